package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmeshcher/servicefinder/internal/model"
	"github.com/mmeshcher/servicefinder/internal/session"
)

// IntentFindProvider задаёт намерение агента, по которому выполняется поиск.
const IntentFindProvider = "FindProvider"

// NoResultsReply отправляется агенту на незнакомые намерения и при сбое поиска.
const NoResultsReply = "Sorry, I couldn't find any results for that."

// Reply формирует текст ответа агенту по результатам поиска.
func Reply(category, location string, providers []model.Provider) string {
	switch len(providers) {
	case 0:
		return fmt.Sprintf("Sorry, I couldn't find any %s services in %s.", category, location)
	case 1:
		return fmt.Sprintf("I found 1 %s in %s: %s", category, location, providers[0].Name)
	default:
		return fmt.Sprintf("I found %d %s services in %s.", len(providers), category, location)
	}
}

// Fulfil отвечает на реплику агента. Поиск идёт анонимно, только для IntentFindProvider.
func (s *Searcher) Fulfil(ctx context.Context, q model.ChatbotQuery) (string, error) {
	if q.Intent.DisplayName != IntentFindProvider {
		return NoResultsReply, nil
	}

	category := strings.TrimSpace(q.Parameters.ServiceCategory)
	location := strings.TrimSpace(q.Parameters.Location)

	providers, err := s.Search(ctx, session.Anonymous(), category, location)
	if err != nil {
		return "", err
	}
	return Reply(category, location, providers), nil
}
