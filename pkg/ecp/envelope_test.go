package ecp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		data     string
		wantCode int // 0 means success
		wantID   string
		notify   bool
	}{
		{
			name:   "string id",
			data:   `{"jsonrpc":"2.0","id":"1","method":"file/read","params":{"path":"a"}}`,
			wantID: `"1"`,
		},
		{
			name:   "integer id",
			data:   `{"jsonrpc":"2.0","id":42,"method":"file/read"}`,
			wantID: `42`,
		},
		{
			name:   "notification has no id",
			data:   `{"jsonrpc":"2.0","method":"editor/focus"}`,
			notify: true,
		},
		{
			name:   "extra fields tolerated",
			data:   `{"jsonrpc":"2.0","id":1,"method":"x/y","meta":{"trace":"t"},"v":3}`,
			wantID: `1`,
		},
		{
			name:     "malformed json",
			data:     `{"jsonrpc":"2.0",`,
			wantCode: CodeParseError,
		},
		{
			name:     "not json at all",
			data:     `hello`,
			wantCode: CodeParseError,
		},
		{
			name:     "wrong version",
			data:     `{"jsonrpc":"1.0","id":1,"method":"x/y"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "missing jsonrpc",
			data:     `{"id":1,"method":"x/y"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "missing method",
			data:     `{"jsonrpc":"2.0","id":1}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "float id rejected",
			data:     `{"jsonrpc":"2.0","id":1.5,"method":"x/y"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "exponent id rejected",
			data:     `{"jsonrpc":"2.0","id":1e3,"method":"x/y"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "null id rejected",
			data:     `{"jsonrpc":"2.0","id":null,"method":"x/y"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "object id rejected",
			data:     `{"jsonrpc":"2.0","id":{"a":1},"method":"x/y"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "boolean id rejected",
			data:     `{"jsonrpc":"2.0","id":true,"method":"x/y"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "numeric method is a shape error",
			data:     `{"jsonrpc":"2.0","id":1,"method":123}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "numeric jsonrpc is a shape error",
			data:     `{"jsonrpc":2,"id":1,"method":"x/y"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "array frame is a shape error",
			data:     `[1,2,3]`,
			wantCode: CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req, perr := ParseRequest([]byte(tt.data))
			if tt.wantCode != 0 {
				if perr == nil {
					t.Fatalf("ParseRequest() succeeded, want error code %d", tt.wantCode)
				}
				if perr.Code != tt.wantCode {
					t.Errorf("error code = %d, want %d", perr.Code, tt.wantCode)
				}
				return
			}
			if perr != nil {
				t.Fatalf("ParseRequest() error = %v", perr)
			}
			if req.IsNotification() != tt.notify {
				t.Errorf("IsNotification() = %v, want %v", req.IsNotification(), tt.notify)
			}
			if !tt.notify && string(req.ID) != tt.wantID {
				t.Errorf("ID = %s, want %s", req.ID, tt.wantID)
			}
		})
	}
}

func TestParseRequest_TypeErrorKeepsID(t *testing.T) {
	t.Parallel()

	// A wrong-typed method on a well-formed frame must answer
	// InvalidRequest and still echo the recoverable id.
	_, perr := ParseRequest([]byte(`{"jsonrpc":"2.0","id":9,"method":123}`))
	if perr == nil || perr.Code != CodeInvalidRequest {
		t.Fatalf("ParseRequest() = %v, want InvalidRequest", perr)
	}
	if string(perr.ResponseID()) != "9" {
		t.Errorf("ResponseID() = %s, want 9", perr.ResponseID())
	}
}

func TestParseRequest_InvalidUTF8(t *testing.T) {
	t.Parallel()

	_, perr := ParseRequest([]byte{0xff, 0xfe, '{', '}'})
	if perr == nil || perr.Code != CodeParseError {
		t.Fatalf("ParseRequest() = %v, want ParseError", perr)
	}
}

func TestParseRequest_RoundTrip(t *testing.T) {
	t.Parallel()

	in := `{"jsonrpc":"2.0","id":"abc","method":"file/write","params":{"path":"x","content":"y"}}`
	req, perr := ParseRequest([]byte(in))
	if perr != nil {
		t.Fatalf("ParseRequest() error = %v", perr)
	}

	out, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	// Re-serialising must be semantically equal to the original.
	var a, b map[string]any
	if err := json.Unmarshal([]byte(in), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(out, &b); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"jsonrpc", "id", "method"} {
		if a[key] != b[key] {
			t.Errorf("field %q = %v, want %v", key, b[key], a[key])
		}
	}
	ap, _ := json.Marshal(a["params"])
	bp, _ := json.Marshal(b["params"])
	if string(ap) != string(bp) {
		t.Errorf("params = %s, want %s", bp, ap)
	}
}

func TestResponseMarshal(t *testing.T) {
	t.Parallel()

	t.Run("error response with nil id carries null", func(t *testing.T) {
		t.Parallel()
		out, err := json.Marshal(NewErrorResponse(nil, NewParseError("bad")))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(out), `"id":null`) {
			t.Errorf("marshal = %s, want id null", out)
		}
		if strings.Contains(string(out), `"result"`) {
			t.Errorf("error response must not carry result: %s", out)
		}
	})

	t.Run("result response echoes id", func(t *testing.T) {
		t.Parallel()
		out, err := json.Marshal(NewResult(json.RawMessage(`7`), map[string]string{"ok": "yes"}))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(out), `"id":7`) {
			t.Errorf("marshal = %s, want id 7", out)
		}
		if strings.Contains(string(out), `"error"`) {
			t.Errorf("success response must not carry error: %s", out)
		}
	})
}

func TestErrorWithData(t *testing.T) {
	t.Parallel()

	e := NewError(CodeValidationFailed, "nope").WithData(map[string]string{"code": "X"})
	if e.Code != CodeValidationFailed || e.Data == nil {
		t.Errorf("WithData() = %+v", e)
	}
	if !strings.Contains(e.Error(), "-32003") {
		t.Errorf("Error() = %q, want code in message", e.Error())
	}
}
