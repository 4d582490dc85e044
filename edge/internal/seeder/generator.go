// Package seeder generates synthetic device events for exercising a
// running agent.
package seeder

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/handlers"
)

// DefaultSourceApp tags seeded events.
const DefaultSourceApp = "edge-seeder"

type payloadFunc func() map[string]interface{}

var generators = map[string]payloadFunc{
	"screen_view": generateScreenView,
	"tap":         generateTap,
	"session":     generateSession,
	"purchase":    generatePurchase,
	"crash":       generateCrash,
	"network":     generateNetwork,
}

// EventTypes lists the event types Generate understands.
func EventTypes() []string {
	types := make([]string, 0, len(generators))
	for t := range generators {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Generate creates one event of eventType requiring scope. Events are
// spread backwards from now over timeSpread with jitter; a zero spread
// stamps every event with now.
func Generate(eventType, scope string, index, total int, timeSpread time.Duration) (*handlers.EventRequest, error) {
	gen, ok := generators[eventType]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	payload, err := json.Marshal(gen())
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	capturedAt := eventTime(time.Now().UTC(), timeSpread, index, total)
	return &handlers.EventRequest{
		ID:         uuid.NewString(),
		EventType:  eventType,
		SourceApp:  DefaultSourceApp,
		Payload:    payload,
		Scope:      scope,
		CapturedAt: &capturedAt,
	}, nil
}

// GenerateMixed creates count events cycling through eventTypes.
func GenerateMixed(eventTypes []string, scope string, count int, timeSpread time.Duration) ([]*handlers.EventRequest, error) {
	if len(eventTypes) == 0 {
		eventTypes = EventTypes()
	}
	events := make([]*handlers.EventRequest, 0, count)
	for i := 0; i < count; i++ {
		e, err := Generate(eventTypes[i%len(eventTypes)], scope, i, count, timeSpread)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func eventTime(now time.Time, spread time.Duration, index, total int) time.Time {
	if spread <= 0 || total <= 0 {
		return now
	}
	baseInterval := float64(spread) / float64(total)
	baseOffset := time.Duration(float64(index) * baseInterval)

	// ±40% of the base interval
	jitterRange := baseInterval * 0.4
	jitter := time.Duration((rand.Float64()*2.0 - 1.0) * jitterRange)

	offset := baseOffset + jitter
	if offset < 0 {
		offset = 0
	}
	if offset > spread {
		offset = spread
	}
	return now.Add(-(spread - offset))
}

func generateScreenView() map[string]interface{} {
	return map[string]interface{}{
		"screen":      gofakeit.RandomString([]string{"home", "search", "settings", "profile", "checkout"}),
		"referrer":    gofakeit.RandomString([]string{"home", "push", "deeplink", ""}),
		"duration_ms": gofakeit.Number(50, 120000),
		"session_id":  fmt.Sprintf("sess-%s", gofakeit.UUID()[:8]),
	}
}

func generateTap() map[string]interface{} {
	return map[string]interface{}{
		"element": gofakeit.RandomString([]string{"button", "link", "card", "tab"}),
		"label":   gofakeit.Word(),
		"x":       gofakeit.Number(0, 1440),
		"y":       gofakeit.Number(0, 3120),
	}
}

func generateSession() map[string]interface{} {
	return map[string]interface{}{
		"session_id":  gofakeit.UUID(),
		"action":      gofakeit.RandomString([]string{"start", "end", "background", "foreground"}),
		"app_version": gofakeit.AppVersion(),
		"locale":      gofakeit.LanguageAbbreviation(),
	}
}

func generatePurchase() map[string]interface{} {
	return map[string]interface{}{
		"order_id": gofakeit.UUID(),
		"sku":      fmt.Sprintf("sku-%d", gofakeit.Number(1000, 9999)),
		"price":    gofakeit.Price(0.99, 499),
		"currency": gofakeit.CurrencyShort(),
		"quantity": gofakeit.Number(1, 5),
	}
}

func generateCrash() map[string]interface{} {
	return map[string]interface{}{
		"exception":   gofakeit.RandomString([]string{"NullPointerException", "IndexOutOfBounds", "OutOfMemory", "SIGSEGV"}),
		"thread":      gofakeit.RandomString([]string{"main", "worker-1", "io", "render"}),
		"fatal":       gofakeit.Bool(),
		"app_version": gofakeit.AppVersion(),
	}
}

func generateNetwork() map[string]interface{} {
	return map[string]interface{}{
		"host":       gofakeit.DomainName(),
		"method":     gofakeit.HTTPMethod(),
		"status":     gofakeit.HTTPStatusCodeSimple(),
		"latency_ms": gofakeit.Number(5, 5000),
		"connection": gofakeit.RandomString([]string{"wifi", "cellular", "ethernet"}),
		"user_agent": gofakeit.UserAgent(),
	}
}
