package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func encodeToBuffer(t *testing.T, msgs ...Message) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	for _, msg := range msgs {
		if err := WriteMessage(&buf, msg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	return &buf
}

func idPtr(v int64) *int64 { return &v }

func TestFraming_RoundTrip(t *testing.T) {
	req := Message{
		JSONRPC: "2.0",
		ID:      idPtr(7),
		Method:  "execute",
		Params:  map[string]any{"entrypoint": "models.noop/main", "seed": float64(42)},
	}
	buf := encodeToBuffer(t, req)

	got, err := ReadMessage(bufio.NewReader(buf))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Method != "execute" || got.ID == nil || *got.ID != 7 {
		t.Errorf("round trip changed message: %+v", got)
	}
	params, ok := got.Params.(map[string]any)
	if !ok || params["entrypoint"] != "models.noop/main" {
		t.Errorf("round trip changed params: %v", got.Params)
	}
}

func TestFraming_LargeBody(t *testing.T) {
	// 10 MiB payload: framing must be byte-accurate regardless of size.
	payload := strings.Repeat("a", 10<<20)
	result, _ := json.Marshal(map[string]string{"data": payload})
	msg := Message{JSONRPC: "2.0", ID: idPtr(1), Result: result}

	buf := encodeToBuffer(t, msg)
	got, err := ReadMessage(bufio.NewReader(buf))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(got.Result, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded["data"] != payload {
		t.Error("large payload corrupted")
	}
}

func TestFraming_ConcatenatedStreamInOrder(t *testing.T) {
	var msgs []Message
	for i := int64(1); i <= 5; i++ {
		result, _ := json.Marshal(i)
		msgs = append(msgs, Message{JSONRPC: "2.0", ID: idPtr(i), Result: result})
	}
	reader := bufio.NewReader(encodeToBuffer(t, msgs...))

	for i := int64(1); i <= 5; i++ {
		got, err := ReadMessage(reader)
		if err != nil {
			t.Fatalf("message %d: unexpected error: %v", i, err)
		}
		if *got.ID != i {
			t.Errorf("expected id %d, got %d", i, *got.ID)
		}
	}
	if _, err := ReadMessage(reader); err != io.EOF {
		t.Errorf("expected EOF after last message, got %v", err)
	}
}

// chunkReader returns at most one byte per Read to exercise short reads.
type chunkReader struct{ r io.Reader }

func (c chunkReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return c.r.Read(p)
}

func TestFraming_ShortReads(t *testing.T) {
	result, _ := json.Marshal("ok")
	buf := encodeToBuffer(t, Message{JSONRPC: "2.0", ID: idPtr(3), Result: result})

	got, err := ReadMessage(bufio.NewReaderSize(chunkReader{buf}, 16))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *got.ID != 3 {
		t.Errorf("expected id 3, got %d", *got.ID)
	}
}

func TestFraming_CaseInsensitiveHeader(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"result":true}`
	raw := "CONTENT-LENGTH: " + itoa(len(body)) + "\r\n\r\n" + body
	got, err := ReadMessage(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID == nil || *got.ID != 1 {
		t.Errorf("unexpected message: %+v", got)
	}
}

func TestFraming_Errors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing content-length", "X-Other: 1\r\n\r\n{}"},
		{"invalid header", "garbageheader\r\n\r\n"},
		{"bad length value", "Content-Length: abc\r\n\r\n"},
		{"truncated body", "Content-Length: 100\r\n\r\n{\"jsonrpc\":\"2.0\"}"},
		{"invalid json", "Content-Length: 5\r\n\r\n{nope"},
		{"wrong version", "Content-Length: 18\r\n\r\n{\"jsonrpc\":\"1.0\"} "},
	}
	for _, tc := range cases {
		_, err := ReadMessage(bufio.NewReader(strings.NewReader(tc.raw)))
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			t.Errorf("%s: expected RPCError, got %v", tc.name, err)
		}
	}
}

func itoa(n int) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}
