package endpoint

import "encoding/json"

// controlCmd matches the exact wire shape:
// {"type":"set_target_language","cmd":{"from","to","voiceID"}}.
type controlCmd struct {
	Type string        `json:"type"`
	Cmd  controlCmdBody `json:"cmd"`
}

type controlCmdBody struct {
	From    string `json:"from"`
	To      string `json:"to"`
	VoiceID string `json:"voiceID"`
}

// buildControlJSON renders the set_target_language control message sent on
// every language/voice change and once upon entering Connected.
func buildControlJSON(lv LanguageVoice) (string, error) {
	msg := controlCmd{
		Type: "set_target_language",
		Cmd: controlCmdBody{
			From:    lv.From,
			To:      lv.To,
			VoiceID: lv.VoiceID,
		},
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
