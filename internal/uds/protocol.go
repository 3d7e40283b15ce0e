// Package uds implements Unix Domain Socket based IPC between the CLI and daemon.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

const ProtocolVersion = 1

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 10 * 1024 * 1024

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeNoSession        = "NO_SESSION"
	ErrCodeUnavailable      = "REMOTE_UNAVAILABLE"
	ErrCodeCancelled        = "CANCELLED"
)

const (
	CmdPing              = "ping"
	CmdProductAdd        = "product_add"
	CmdProductEdit       = "product_edit"
	CmdProductDelete     = "product_delete"
	CmdProductList       = "product_list"
	CmdRefresh           = "refresh"
	CmdReplay            = "replay"
	CmdQueueList         = "queue_list"
	CmdDeadLetterList    = "dead_letter_list"
	CmdDeadLetterRequeue = "dead_letter_requeue"
	CmdDeadLetterPurge   = "dead_letter_purge"
	CmdCategoryList      = "category_list"
	CmdCategorySet       = "category_set"
	CmdCategoryDelete    = "category_delete"
	CmdReminderList      = "reminder_list"
	CmdLogin             = "login"
	CmdLogout            = "logout"
	CmdStatus            = "status"
	CmdShutdown          = "shutdown"
)

// IDParams addresses a single product or dead letter.
type IDParams struct {
	ID string `json:"id"`
}

type EditParams struct {
	ID      string          `json:"id"`
	Updates json.RawMessage `json:"updates"`
}

type CategoryParams struct {
	CategoryName string `json:"category_name"`
	ReminderDays int    `json:"reminder_days"`
}

type LoginParams struct {
	Token string `json:"token"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unmarshals req.Params into v. Missing params are an error.
func DecodeParams(req *Request, v any) *Response {
	if len(req.Params) == 0 {
		return ErrorResponse(ErrCodeValidation, fmt.Sprintf("%s: params required", req.Command))
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return ErrorResponse(ErrCodeValidation, fmt.Sprintf("%s: invalid params: %v", req.Command, err))
	}
	return nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// Decode turns a response into v, or into its error detail.
func (r *Response) Decode(v any) error {
	if !r.Success {
		if r.Error == nil {
			return &ErrorDetail{Code: ErrCodeInternal, Message: "request failed"}
		}
		return r.Error
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DefaultSocketName is the conventional socket filename inside .bestbefore/.
const DefaultSocketName = "daemon.sock"

// WriteFrame writes a length-prefixed JSON frame to the connection.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	length := uint32(len(data))
	if err := binary.Write(conn, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame from the connection.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}

	if length > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}

	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
