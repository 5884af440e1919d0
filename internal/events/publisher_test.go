package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "points.settlement", RoutingKey("settlement"))
	assert.Equal(t, "points.review", RoutingKey("review"))
}

func TestPointEventJSON(t *testing.T) {
	ev := PointEvent{
		RecordID:  1,
		UserID:    2,
		ListingID: 3,
		Kind:      "skill",
		Reason:    "review",
		Delta:     -2,
		CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	b, err := json.Marshal(ev)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"record_id": 1,
		"user_id": 2,
		"listing_id": 3,
		"kind": "skill",
		"reason": "review",
		"delta": -2,
		"created_at": "2024-05-01T10:00:00Z"
	}`, string(b))
}

func TestNewPublisher_BadURL(t *testing.T) {
	_, err := NewPublisher("not-a-url", "campushelp.events")
	assert.Error(t, err)
}
