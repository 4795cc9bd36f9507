package session

import "encoding/json"

// Inbound frame types.
const (
	frameState                = "state"
	frameTranscript           = "transcript"
	frameClientToolInvocation = "client_tool_invocation"
)

// Outbound frame types.
const (
	frameInputTextMessage = "input_text_message"
	frameClientToolResult = "client_tool_result"
	frameHangUp           = "hang_up"
)

// Tool result error types.
const (
	toolErrorUndefined      = "undefined"
	toolErrorImplementation = "implementation-error"
)

type serverState struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type serverTranscript struct {
	Type    string  `json:"type"`
	Role    string  `json:"role"`
	Medium  string  `json:"medium,omitempty"`
	Text    *string `json:"text,omitempty"`
	Delta   *string `json:"delta,omitempty"`
	Final   bool    `json:"final"`
	Ordinal int     `json:"ordinal"`
}

type serverToolInvocation struct {
	Type         string          `json:"type"`
	ToolName     string          `json:"toolName"`
	InvocationID string          `json:"invocationId"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
}

type clientInputText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type clientToolResult struct {
	Type         string `json:"type"`
	InvocationID string `json:"invocationId"`
	Result       string `json:"result,omitempty"`
	ResponseType string `json:"responseType,omitempty"`
	ErrorType    string `json:"errorType,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type clientHangUp struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}
