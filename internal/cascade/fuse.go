package cascade

import (
	"sort"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/internal/embedding"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// Fuse combines template and prototype evidence. A card without a prototype
// reuses its template score for the prototype weight.
func Fuse(alpha, beta, templateScore float64, protoScore *float64) float64 {
	p := templateScore
	if protoScore != nil {
		p = *protoScore
	}
	return alpha*templateScore + beta*p
}

// bestPerCard keeps the highest template score for every card.
func bestPerCard(matches []models.TemplateMatch) []models.Candidate {
	byCard := make(map[uuid.UUID]int, len(matches))
	out := make([]models.Candidate, 0, len(matches))
	for _, m := range matches {
		score := embedding.Clamp(m.Score)
		if i, ok := byCard[m.CardID]; ok {
			if score > out[i].TemplateScore {
				out[i].TemplateScore = score
				out[i].SetID = m.SetID
			}
			continue
		}
		byCard[m.CardID] = len(out)
		out = append(out, models.Candidate{CardID: m.CardID, SetID: m.SetID, TemplateScore: score})
	}
	return out
}

// rank orders candidates by fused score, then template score, then card id.
func rank(cands []models.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.FusedScore != b.FusedScore {
			return a.FusedScore > b.FusedScore
		}
		if a.TemplateScore != b.TemplateScore {
			return a.TemplateScore > b.TemplateScore
		}
		return a.CardID.String() < b.CardID.String()
	})
}

func cardIDs(cands []models.Candidate) []uuid.UUID {
	ids := make([]uuid.UUID, len(cands))
	for i, c := range cands {
		ids[i] = c.CardID
	}
	return ids
}
