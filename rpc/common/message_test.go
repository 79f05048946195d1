package common

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCookieRanges(t *testing.T) {
	testCases := []struct {
		cookie Cookie
		remote bool
		name   string
	}{
		{CookieUnknown, false, "unknown"},
		{CookieLocal, false, "local"},
		{CookieRouter, false, "router"},
		{CookieFirstRemote - 1, false, "255"},
		{CookieFirstRemote, true, "256"},
		{CookieFirstRemote + 1000, true, "1256"},
	}

	for _, tc := range testCases {
		if tc.cookie.IsRemote() != tc.remote {
			t.Errorf("cookie %d: IsRemote = %v, expected %v", tc.cookie, tc.cookie.IsRemote(), tc.remote)
		}
		if tc.cookie.String() != tc.name {
			t.Errorf("cookie %d: String = %q, expected %q", tc.cookie, tc.cookie.String(), tc.name)
		}
	}
}

func TestMessageIDRanges(t *testing.T) {
	testCases := []struct {
		id         MessageID
		executable bool
		control    bool
	}{
		{MsgIDInvalid, false, false},
		{MsgIDFirstExecutable - 1, false, false},
		{MsgIDEcho, true, false},
		{MsgIDLastExecutable, true, false},
		{MsgIDLastExecutable + 1, false, false},
		{MsgIDServiceConnect, false, true},
		{MsgIDServiceDisconnect, false, true},
	}

	for _, tc := range testCases {
		if tc.id.IsExecutable() != tc.executable {
			t.Errorf("id %s: IsExecutable = %v, expected %v", tc.id, tc.id.IsExecutable(), tc.executable)
		}
		if tc.id.IsControl() != tc.control {
			t.Errorf("id %s: IsControl = %v, expected %v", tc.id, tc.id.IsControl(), tc.control)
		}
	}
}

func TestMessageIDJSON(t *testing.T) {
	for _, id := range []MessageID{MsgIDInvalid, MsgIDEcho, MsgIDServiceConnect, MsgIDServiceDisconnect, 0x2000} {
		data, err := json.Marshal(id)
		if err != nil {
			t.Fatalf("marshal %s: %v", id, err)
		}
		var result MessageID
		if err := json.Unmarshal(data, &result); err != nil {
			t.Fatalf("unmarshal %s (%s): %v", id, data, err)
		}
		if result != id {
			t.Errorf("expected %s after round trip, got %s", id, result)
		}
	}

	var id MessageID
	if err := json.Unmarshal([]byte(`"nope"`), &id); err == nil {
		t.Error("unknown id name should fail")
	}
}

func TestChecksum(t *testing.T) {
	msg := NewRemoteMessage(MsgIDEcho, CookieFirstRemote, CookieRouter, []byte("hello"))
	if err := msg.Verify(); err != nil {
		t.Fatalf("fresh message should verify: %v", err)
	}

	tampered := msg
	tampered.Payload = []byte("hellO")
	err := tampered.Verify()
	var mismatch *ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ChecksumMismatchError, got %v", err)
	}
	if mismatch.Expected != msg.Checksum {
		t.Errorf("expected checksum %08x in error, got %08x", msg.Checksum, mismatch.Expected)
	}
}

func TestReply(t *testing.T) {
	req := NewRemoteMessage(MsgIDEcho, CookieFirstRemote, CookieRouter, []byte("ping"))
	resp := req.Reply([]byte("pong"))

	if resp.MessageID != req.MessageID {
		t.Errorf("reply changed the message id: %s", resp.MessageID)
	}
	if resp.Source != CookieRouter || resp.Target != CookieFirstRemote {
		t.Errorf("reply should swap source and target, got %s", resp)
	}
	if err := resp.Verify(); err != nil {
		t.Errorf("reply checksum invalid: %v", err)
	}
	if string(req.Payload) != "ping" {
		t.Error("Reply must not modify the request")
	}
}

func TestControlFactories(t *testing.T) {
	cookie := CookieFirstRemote + 7

	req := NewConnectRequest()
	if req.Source != CookieUnknown || req.MessageID != MsgIDServiceConnect {
		t.Errorf("unexpected connect request %s", req)
	}

	resp := NewConnectResponse(cookie)
	if resp.Target != cookie || resp.Source != CookieRouter {
		t.Errorf("unexpected connect response %s", resp)
	}
	decoded, err := DecodeCookie(resp.Payload)
	if err != nil || decoded != cookie {
		t.Errorf("connect response payload should carry the cookie, got %d (%v)", decoded, err)
	}

	notify := NewDisconnectNotify(cookie)
	if notify.Source != cookie || notify.Target != CookieLocal || notify.MessageID != MsgIDServiceDisconnect {
		t.Errorf("unexpected disconnect notify %s", notify)
	}

	if _, err := DecodeCookie([]byte{1, 2}); err == nil {
		t.Error("DecodeCookie should fail on short input")
	}
}
