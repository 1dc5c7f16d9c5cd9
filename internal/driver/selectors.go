package driver

// Selectors is the provider-specific lookup table used by RodClient.
type Selectors struct {
	Fields  map[Role][]string   `json:"fields"`
	Intents map[Intent][]string `json:"intents"`
	// IntentTexts are regexes matched against button text when no selector hits.
	IntentTexts map[Intent]string `json:"intentTexts"`

	InMeeting   []string `json:"inMeeting"`
	Controls    []string `json:"controls"`
	EndedTexts  []string `json:"endedTexts"`
	LeftTexts   []string `json:"leftTexts"`
	EndedURLs   []string `json:"endedUrls"`
	GlobalNames []string `json:"globalNames"`
	ChatInputs  []string `json:"chatInputs"`
	ChatSend    []string `json:"chatSend"`
}

// ZoomSelectors targets the Zoom web client.
func ZoomSelectors() Selectors {
	return Selectors{
		Fields: map[Role][]string{
			RoleName: {
				"#input-for-name",
				".webclient-name-input",
				`input[placeholder*="name" i]`,
				`input[aria-label*="name" i]`,
				"#inputname",
			},
			RolePassword: {
				"#input-for-pwd",
				".webclient-password-input",
				`input[type="password"]`,
				"#inputpasscode",
			},
		},
		Intents: map[Intent][]string{
			IntentJoin: {
				".webclient-join-btn",
				`button[aria-label*="join" i]`,
				"#joinBtn",
				".join-btn",
			},
			IntentMute: {
				`button[aria-label*="mute my microphone" i]`,
				`button[aria-label*="mute" i]:not([aria-label*="unmute" i])`,
				`button[title*="mute" i]:not([title*="unmute" i])`,
			},
			IntentUnmute: {
				`button[aria-label*="unmute" i]`,
				`button[aria-label*="turn on microphone" i]`,
				`button[title*="unmute" i]`,
				"#preview-audio-control-button",
			},
			IntentStopVideo: {
				`button[aria-label*="stop video" i]`,
				`button[aria-label*="stop my video" i]`,
				`button[aria-label*="turn off camera" i]`,
				"#preview-video-control-button",
			},
			IntentLeave: {
				`button[aria-label*="leave" i]`,
				".footer__leave-btn",
			},
		},
		IntentTexts: map[Intent]string{
			IntentJoin:  "/^\\s*join( meeting| now)?\\s*$/i",
			IntentLeave: "/^\\s*leave( meeting)?\\s*$/i",
		},
		InMeeting: []string{
			".meeting-client-view",
			".webclient-meeting-view",
			".zm-video-container",
			`[class*="footer-button-base"]`,
		},
		Controls: []string{
			"video[srcObject]",
			"audio[srcObject]",
			".meeting-client-view",
			".webclient-meeting-view",
			".zm-video-container",
			`[class*="meeting-controls"]`,
			`[class*="footer-button-base"]`,
			`button[aria-label*="mute"]`,
			`button[aria-label*="Leave"]`,
			`button[aria-label*="End"]`,
			`[data-testid*="meeting"]`,
		},
		EndedTexts: []string{
			"this meeting has been ended by the host",
			"the meeting has ended",
			"meeting has been ended",
			"you have been removed from the meeting",
			"the host has ended this meeting for everyone",
		},
		LeftTexts: []string{
			"thank you for joining",
			"you have left the meeting",
		},
		EndedURLs: []string{"/leave", "/end", "/postattendee"},
		GlobalNames: []string{
			"localStream",
			"remoteStream",
			"meetingStream",
			"audioStream",
			"participantStream",
			"sharedStream",
			"mainStream",
		},
		ChatInputs: []string{
			`textarea[placeholder*="chat" i]`,
			`input[placeholder*="chat" i]`,
			`textarea[aria-label*="chat" i]`,
		},
		ChatSend: []string{
			`button[aria-label*="send" i]`,
			`button[title*="send" i]`,
		},
	}
}
