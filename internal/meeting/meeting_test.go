package meeting

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		password string
		want     Info
		wantErr  error
	}{
		{
			name:  "join link with password",
			input: "https://us05web.zoom.us/j/81234567890?pwd=abc123",
			want: Info{
				MeetingID:    "81234567890",
				Domain:       "us05web.zoom.us",
				Password:     "abc123",
				WebClientURL: "https://us05web.zoom.us/wc/join/81234567890?pwd=abc123",
			},
		},
		{
			name:     "explicit password overrides link",
			input:    "https://zoom.us/j/123456789?pwd=fromlink",
			password: "explicit",
			want: Info{
				MeetingID:    "123456789",
				Domain:       "zoom.us",
				Password:     "explicit",
				WebClientURL: "https://zoom.us/wc/join/123456789?pwd=explicit",
			},
		},
		{
			name:  "bare numeric id",
			input: " 987 654 3210 ",
			want: Info{
				MeetingID:    "987 654 3210",
				Domain:       DefaultDomain,
				WebClientURL: "https://zoom.us/wc/join/987%20654%203210",
			},
		},
		{
			name:  "numeric id inside text",
			input: "meeting 9876543210 today",
			want: Info{
				MeetingID:    "9876543210",
				Domain:       DefaultDomain,
				WebClientURL: "https://zoom.us/wc/join/9876543210",
			},
		},
		{
			name:  "zoom link without join path falls back to digits",
			input: "https://zoom.us/s/123456789",
			want: Info{
				MeetingID:    "123456789",
				Domain:       "zoom.us",
				WebClientURL: "https://zoom.us/wc/join/123456789",
			},
		},
		{
			name:  "flexible id",
			input: "team-standup",
			want: Info{
				MeetingID:    "team-standup",
				Domain:       DefaultDomain,
				WebClientURL: "https://zoom.us/wc/join/team-standup",
			},
		},
		{
			name:    "empty",
			input:   "   ",
			wantErr: ErrNoMeetingID,
		},
		{
			name:    "link without any id",
			input:   "https://zoom.us/signin",
			wantErr: ErrNoMeetingID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input, tt.password)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
