package lessons

// ExerciseType is the kind of a practice item
type ExerciseType string

const (
	ExerciseMatching ExerciseType = "matching" // match a word to a picture
	ExerciseFillIn   ExerciseType = "fill_in"  // fill in the missing letter
	ExerciseQuiz     ExerciseType = "quiz"     // pick the right answer
)

// Exercise is one generated practice item
type Exercise struct {
	ID             string       `json:"id"`
	Type           ExerciseType `json:"type"`
	Question       string       `json:"question"`
	CorrectAnswer  string       `json:"correctAnswer"`
	Options        []string     `json:"options"`
	PromptForImage string       `json:"promptForImage"`
}

// StoryPart is one page of a story
type StoryPart struct {
	Text        string `json:"text"`
	ImagePrompt string `json:"imagePrompt"`
}

// Story is a short generated story
type Story struct {
	Title string      `json:"title"`
	Parts []StoryPart `json:"parts"`
}

// Turn is one earlier message of a chat
type Turn struct {
	Role string `json:"role"` // "user" or "model"
	Text string `json:"text"`
}

// Source is a web page the search answer was grounded on
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// SearchResult is a grounded answer
type SearchResult struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources"`
}
