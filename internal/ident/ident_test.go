package ident

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orionchat/orion-core/pkg/types"
)

var fixedNow = time.Date(2026, time.January, 27, 15, 4, 0, 0, time.UTC)

func TestSessionID(t *testing.T) {
	assert.Equal(t, "orion-daily-2026-01-27", SessionID("orion", types.KindDaily, "", fixedNow))
	assert.Equal(t, "orion-inbox-2026-01-27", SessionID("orion", types.KindInbox, "", fixedNow))
	assert.Equal(t, "orion-project-website", SessionID("orion", types.KindProject, "website", fixedNow))
	assert.Equal(t, "orion-project-default", SessionID("orion", types.KindProject, "", fixedNow))

	adhoc := SessionID("orion", types.KindAdhoc, "", fixedNow)
	assert.True(t, strings.HasPrefix(adhoc, "orion-adhoc-"))
	// Two adhoc IDs never collide
	assert.NotEqual(t, adhoc, SessionID("orion", types.KindAdhoc, "", fixedNow))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Daily - January 27, 2026", DisplayName(types.KindDaily, "", fixedNow))
	assert.Equal(t, "Project: website", DisplayName(types.KindProject, "website", fixedNow))
	assert.Equal(t, "Project: Untitled", DisplayName(types.KindProject, "", fixedNow))
	assert.Equal(t, "Inbox Processing", DisplayName(types.KindInbox, "", fixedNow))
	assert.Equal(t, "Session at 15:04", DisplayName(types.KindAdhoc, "", fixedNow))
}

func TestRequestAndMessageIDs(t *testing.T) {
	req := NewRequestID()
	msg := NewMessageID()

	assert.True(t, strings.HasPrefix(req, "req_"))
	assert.True(t, strings.HasPrefix(msg, "msg_"))
	assert.NotEqual(t, NewRequestID(), req)
	require.NoError(t, ValidateMessageID(msg))
}

func TestValidateMessageID(t *testing.T) {
	require.NoError(t, ValidateMessageID("msg_abc-123_DEF"))

	cases := []struct {
		id   string
		want string
	}{
		{"", "message ID cannot be empty"},
		{strings.Repeat("x", 129), "message ID too long (max 128 chars)"},
		{"-msg123", "message ID must start with alphanumeric character"},
		{"msg123_", "message ID must end with alphanumeric character"},
		{"msg--123", "message ID cannot have consecutive special characters"},
		{"msg_-123", "message ID cannot have consecutive special characters"},
		{"msg<script>1", "message ID contains invalid characters"},
	}
	for _, tc := range cases {
		err := ValidateMessageID(tc.id)
		require.Error(t, err, "id %q", tc.id)
		assert.Equal(t, tc.want, err.Error())
	}
}
