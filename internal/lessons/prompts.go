package lessons

import (
	"fmt"

	"google.golang.org/genai"
)

const chatInstruction = "Bạn là một giáo viên tiểu học thân thiện cho học sinh lớp 1 tại Việt Nam. " +
	"Sử dụng ngôn ngữ đơn giản, dễ hiểu, khích lệ bé."

func speechPrompt(text string) string {
	return "Hãy đóng vai một cô giáo tiểu học có giọng nói ấm áp, nhẹ nhàng và truyền cảm. " +
		"Hãy đọc nội dung sau cho học sinh lớp 1 nghe một cách chậm rãi và rõ ràng: " + text
}

func exercisesPrompt(category string) string {
	return fmt.Sprintf("Tạo 5 bài tập tiếng Việt lớp 1 (bộ sách Kết nối tri thức) chủ đề %s. "+
		"Các loại: matching (nối từ-hình), fill_in (điền chữ cái), quiz (chọn đáp án). "+
		"Trả về JSON array. promptForImage là mô tả hình ảnh đơn giản cho bé.", category)
}

func storyPrompt(topic string) string {
	return fmt.Sprintf("Viết một câu chuyện ngắn 3 phần cho bé lớp 1 về chủ đề %s. "+
		"Sử dụng câu ngắn, đơn giản. Trả về JSON gồm title và mảng parts (text, imagePrompt). "+
		"imagePrompt nên tả chi tiết phong cách hoạt hình dễ thương.", topic)
}

var exercisesSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"id":             {Type: genai.TypeString},
			"type":           {Type: genai.TypeString, Enum: []string{"matching", "fill_in", "quiz"}},
			"question":       {Type: genai.TypeString},
			"correctAnswer":  {Type: genai.TypeString},
			"options":        {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
			"promptForImage": {Type: genai.TypeString},
		},
		Required: []string{"id", "type", "question", "correctAnswer", "options", "promptForImage"},
	},
}

var storySchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"title": {Type: genai.TypeString},
		"parts": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"text":        {Type: genai.TypeString},
					"imagePrompt": {Type: genai.TypeString},
				},
				Required: []string{"text", "imagePrompt"},
			},
		},
	},
	Required: []string{"title", "parts"},
}
