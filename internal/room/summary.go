package room

import (
	"time"

	"github.com/peerprep/matching/internal/question"
)

// Summary is one row of a user's matching history.
type Summary struct {
	RoomID             string    `json:"roomId"`
	QuestionID         string    `json:"questionId"`
	QuestionTitle      string    `json:"questionTitle,omitempty"`
	QuestionDifficulty string    `json:"questionDifficulty,omitempty"`
	UserIDs            [2]string `json:"userIds"`
	PartnerID          string    `json:"partnerId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// QuestionIDs returns the distinct question ids referenced by rooms.
func QuestionIDs(rooms []Room) []string {
	seen := make(map[string]bool, len(rooms))
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		if !seen[r.QuestionID] {
			seen[r.QuestionID] = true
			ids = append(ids, r.QuestionID)
		}
	}
	return ids
}

// Summarize joins rooms with their questions from userID's point of view.
// Questions missing from the map leave the title and difficulty empty.
func Summarize(userID string, rooms []Room, questions map[string]question.Question) []Summary {
	out := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		s := Summary{
			RoomID:     r.ID,
			QuestionID: r.QuestionID,
			UserIDs:    r.UserIDs,
			CreatedAt:  r.CreatedAt,
		}
		switch userID {
		case r.UserIDs[0]:
			s.PartnerID = r.UserIDs[1]
		case r.UserIDs[1]:
			s.PartnerID = r.UserIDs[0]
		}
		if q, ok := questions[r.QuestionID]; ok {
			s.QuestionTitle = q.Title
			s.QuestionDifficulty = q.Difficulty
		}
		out = append(out, s)
	}
	return out
}
