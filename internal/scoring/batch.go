package scoring

// NoteRow is one note in the normalized scoring input.
type NoteRow struct {
	NoteID                  string `json:"noteId"`
	NoteAuthorParticipantID string `json:"noteAuthorParticipantId"`
	CreatedAtMillis         int64  `json:"createdAtMillis"`
	MessageID               string `json:"tweetId"`
	Summary                 string `json:"summary"`
	Classification          string `json:"classification"`
}

// RatingRow is one rating in the normalized scoring input.
type RatingRow struct {
	RaterParticipantID string `json:"raterParticipantId"`
	NoteID             string `json:"noteId"`
	CreatedAtMillis    int64  `json:"createdAtMillis"`
	HelpfulnessLevel   string `json:"helpfulnessLevel"`
}

// EnrollmentRow describes one participant.
type EnrollmentRow struct {
	ParticipantID                  string `json:"participantId"`
	EnrollmentState                string `json:"enrollmentState"`
	SuccessfulRatingNeededToEarnIn int    `json:"successfulRatingNeededToEarnIn"`
	TimestampOfLastStateChange     int64  `json:"timestampOfLastStateChange"`
}

// Batch is the full scoring input.
type Batch struct {
	Notes      []NoteRow       `json:"notes"`
	Ratings    []RatingRow     `json:"ratings"`
	Enrollment []EnrollmentRow `json:"enrollment"`
}

// HelpfulScore is the scorer's verdict on one rater.
type HelpfulScore struct {
	RaterParticipantID string  `json:"raterParticipantId"`
	HelpfulnessScore   float64 `json:"helpfulnessScore"`
}

// Result is the scorer output. Scored notes and auxiliary info are opaque rows.
type Result struct {
	ScoredNotes   []map[string]any `json:"scored_notes"`
	HelpfulScores []HelpfulScore   `json:"helpful_scores"`
	AuxiliaryInfo []map[string]any `json:"auxiliary_info"`
}

// HelpfulnessByUser indexes the helpful scores by participant.
func (r Result) HelpfulnessByUser() map[string]float64 {
	scores := make(map[string]float64, len(r.HelpfulScores))
	for _, score := range r.HelpfulScores {
		if score.RaterParticipantID == "" {
			continue
		}
		scores[score.RaterParticipantID] = score.HelpfulnessScore
	}
	return scores
}

const (
	helpfulnessHelpful    = "HELPFUL"
	helpfulnessNotHelpful = "NOT_HELPFUL"
	enrollmentNewUser     = "newUser"
	enrollmentEarnedIn    = "earnedIn"
	ratingsToEarnIn       = 5
)
