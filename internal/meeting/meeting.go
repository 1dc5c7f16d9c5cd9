// Package meeting turns user supplied meeting links into web client URLs.
package meeting

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// DefaultDomain is used when the input carries no host.
const DefaultDomain = "zoom.us"

// ErrNoMeetingID is returned for empty input or links without an id.
var ErrNoMeetingID = errors.New("no meeting id in input")

var (
	joinPath  = regexp.MustCompile(`/j/(\d+)`)
	numericID = regexp.MustCompile(`\d{9,11}`)
)

// Info describes a meeting the bot can join.
type Info struct {
	MeetingID    string `json:"meetingId"`
	Domain       string `json:"domain"`
	Password     string `json:"-"`
	WebClientURL string `json:"-"`
}

// Parse accepts a join link (https://<host>/j/<id>?pwd=...), a numeric
// meeting id, or any other non-empty identifier. An explicit password wins
// over one embedded in the link.
func Parse(input, password string) (Info, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Info{}, ErrNoMeetingID
	}

	info := Info{Domain: DefaultDomain}

	if strings.Contains(input, "zoom.") {
		if u, err := url.Parse(input); err == nil && u.Hostname() != "" {
			info.Domain = u.Hostname()
			if m := joinPath.FindStringSubmatch(u.Path); m != nil {
				info.MeetingID = m[1]
			}
			info.Password = u.Query().Get("pwd")
		}
	}

	if info.MeetingID == "" {
		if m := numericID.FindString(input); m != "" {
			info.MeetingID = m
		} else if !strings.Contains(input, "://") {
			info.MeetingID = input
		}
	}
	if info.MeetingID == "" {
		return Info{}, ErrNoMeetingID
	}

	if password != "" {
		info.Password = password
	}

	info.WebClientURL = webClientURL(info)
	return info, nil
}

func webClientURL(info Info) string {
	u := url.URL{
		Scheme: "https",
		Host:   info.Domain,
		Path:   "/wc/join/" + info.MeetingID,
	}
	if info.Password != "" {
		u.RawQuery = url.Values{"pwd": {info.Password}}.Encode()
	}
	return u.String()
}
