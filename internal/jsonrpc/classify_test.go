package jsonrpc

import "testing"

func TestClassify_KnownReadMethod(t *testing.T) {
	c := NewClassifier()
	if got := c.Classify("eth_getBalance"); got != Read {
		t.Fatalf("expected eth_getBalance to classify as Read, got %v", got)
	}
}

func TestClassify_UnknownMethodIsWrite(t *testing.T) {
	c := NewClassifier()
	if got := c.Classify("eth_sendRawTransaction"); got != Write {
		t.Fatalf("expected an unlisted method to classify as Write, got %v", got)
	}
	if got := c.Classify("totally_made_up_method"); got != Write {
		t.Fatalf("expected an unknown method to default to Write, got %v", got)
	}
}

func TestClassify_ExtraReadMethods(t *testing.T) {
	c := NewClassifier("my_custom_query")
	if got := c.Classify("my_custom_query"); got != Read {
		t.Fatalf("expected a configured extra read method to classify as Read, got %v", got)
	}
}

func TestError_IsBadRequest(t *testing.T) {
	cases := []struct {
		err  *Error
		want bool
	}{
		{nil, false},
		{&Error{Code: ErrCodeParseError}, true},
		{&Error{Code: ErrCodeInvalidRequest}, true},
		{&Error{Code: ErrCodeMethodNotFound}, true},
		{&Error{Code: ErrCodeInvalidParams}, true},
		{&Error{Code: ErrCodeInternalError}, false},
		{&Error{Code: -1}, false},
	}
	for _, tc := range cases {
		if got := tc.err.IsBadRequest(); got != tc.want {
			t.Fatalf("IsBadRequest(%+v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
