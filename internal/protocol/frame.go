// Package protocol defines the JSON frame vocabulary spoken over the
// terminal and assistant WebSocket channels, and the codec for it.
package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies a protocol frame.
type FrameType string

const (
	// Client -> Server frame types
	TypeInput         FrameType = "input"
	TypeResize        FrameType = "resize"
	TypePing          FrameType = "ping"
	TypeAbort         FrameType = "abort"
	TypeSendEnter     FrameType = "send-enter"
	TypeKillSession   FrameType = "kill-session"
	TypeGetStatus     FrameType = "get-status"
	TypeGetHistory    FrameType = "get-history"
	TypeRestart       FrameType = "restart"
	TypeRestartClaude FrameType = "restart-claude"

	// Server -> Client frame types
	TypeConnected     FrameType = "connected"
	TypeOutput        FrameType = "output"
	TypeOutputBuffer  FrameType = "output-buffer"
	TypeText          FrameType = "text"
	TypeThinking      FrameType = "thinking"
	TypeToolUseStart  FrameType = "tool_use_start"
	TypeToolUseOutput FrameType = "tool_use_output"
	TypeToolUseEnd    FrameType = "tool_use_end"
	TypeDone          FrameType = "done"
	TypeError         FrameType = "error"
	TypeStatus        FrameType = "status"
	TypeStateChange   FrameType = "state-change"
	TypeExit          FrameType = "exit"
	TypePong          FrameType = "pong"
)

// Frame is the wire envelope shared by every message on both channels.
// Only the fields relevant to a given type are populated; everything else
// is omitted from the JSON encoding.
type Frame struct {
	Type FrameType `json:"type"`

	// Shell channel payloads
	Data string `json:"data,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`

	// Session handshake
	SessionID   string `json:"sessionId,omitempty"`
	Reconnected bool   `json:"reconnected,omitempty"`
	Cwd         string `json:"cwd,omitempty"`

	// Assistant streaming payloads
	Content string          `json:"content,omitempty"`
	ID      string          `json:"id,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
	Status  string          `json:"status,omitempty"`
	Error   string          `json:"error,omitempty"`

	// Liveness / status payloads
	ClaudeState   string  `json:"claudeState,omitempty"`
	CurrentTool   string  `json:"currentTool,omitempty"`
	IsStuck       bool    `json:"isStuck,omitempty"`
	StuckDuration float64 `json:"stuckDuration,omitempty"`

	// Process exit
	ExitCode *int `json:"exitCode,omitempty"`
}

// Decode parses a raw inbound message into a Frame. A parse failure or a
// frame without a type is reported as an error so the channel can decide
// whether to treat the bytes as raw payload or drop them; it is never fatal
// to the connection.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}

// Encode serializes a frame for transmission.
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// mustEncode is for the fixed outbound commands below, whose shapes cannot
// fail to marshal.
func mustEncode(f *Frame) []byte {
	data, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return data
}

// Input frames user input for either channel.
func Input(data string) []byte {
	return mustEncode(&Frame{Type: TypeInput, Data: data})
}

// Resize frames a terminal viewport change.
func Resize(cols, rows uint16) []byte {
	return mustEncode(&Frame{Type: TypeResize, Cols: cols, Rows: rows})
}

// Ping frames the application-level heartbeat.
func Ping() []byte {
	return mustEncode(&Frame{Type: TypePing})
}

// Abort asks the server to cancel the in-flight assistant turn.
func Abort() []byte {
	return mustEncode(&Frame{Type: TypeAbort})
}

// SendEnter passes a bare Enter through to the backend CLI, unblocking
// paste-confirmation prompts.
func SendEnter() []byte {
	return mustEncode(&Frame{Type: TypeSendEnter})
}

// KillSession requests a hard respawn of the backend process.
func KillSession() []byte {
	return mustEncode(&Frame{Type: TypeKillSession})
}

// GetStatus requests an authoritative status frame.
func GetStatus() []byte {
	return mustEncode(&Frame{Type: TypeGetStatus})
}

// GetHistory requests a replay of the conversation so far.
func GetHistory() []byte {
	return mustEncode(&Frame{Type: TypeGetHistory})
}

// Restart asks the server to respawn the shell process without tearing
// down the socket.
func Restart() []byte {
	return mustEncode(&Frame{Type: TypeRestart})
}

// RestartClaude asks the server to respawn the assistant process.
func RestartClaude() []byte {
	return mustEncode(&Frame{Type: TypeRestartClaude})
}
