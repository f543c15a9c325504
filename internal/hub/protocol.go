package hub

import "github.com/user/flowterm/internal/tab"

// Client message types.
const (
	TypeAttach   = "attach"
	TypeInput    = "input"
	TypeLine     = "line"
	TypeResize   = "resize"
	TypeControl  = "control"
	TypeNewTab   = "new_tab"
	TypeCloseTab = "close_tab"
	TypeRestart  = "restart"
)

type ClientMessage struct {
	Type string `json:"type"`
	Tab  string `json:"tab,omitempty"`
	// Data carries raw keystrokes for input messages.
	Data string `json:"data,omitempty"`
	Line string `json:"line,omitempty"`
	// Code is a control key such as "c" for Ctrl-C.
	Code    string `json:"code,omitempty"`
	Rows    int    `json:"rows,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Profile string `json:"profile,omitempty"`
	Title   string `json:"title,omitempty"`
}

type OutputMessage struct {
	Type string `json:"type"`
	Tab  string `json:"tab"`
	Text string `json:"text"`
	// Replay marks scrollback sent on attach.
	Replay bool  `json:"replay,omitempty"`
	Ts     int64 `json:"ts"`
}

type StatusMessage struct {
	Type string   `json:"type"`
	Tab  tab.Info `json:"tab"`
}

type TabsMessage struct {
	Type string     `json:"type"`
	List []tab.Info `json:"list"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Tab     string `json:"tab,omitempty"`
	Message string `json:"message"`
}

// hubBroadcast is a frame for every client, or only for clients attached
// to tabID when it is set.
type hubBroadcast struct {
	data  []byte
	tabID string
}
