package protocol

import (
	"reflect"
	"testing"
)

func FuzzParse(f *testing.F) {
	f.Add([]byte(`{"type":"auth","token":"t"}`))
	f.Add([]byte(`{"type":"call-init","callId":"c1","receiverId":42}`))
	f.Add([]byte(`{"type":"offer","callId":"c1","offer":{"type":"offer","sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"answer","callId":"c1","answer":{"type":"answer","sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"ice-candidate","callId":"c1","targetUserId":"b","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}}`))
	f.Add([]byte(`{"type":"call-end","callId":"c1"}`))

	f.Add([]byte(`{"type":"call-end","callId":"c1","offer":{}}`))
	f.Add([]byte(`{"type":"offer","callId":"c1","offer":{"type":"answer","sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"call-end","callId":"c1"}{}`))
	f.Add([]byte(`{"type":"bogus"}`))
	f.Add([]byte(`[]`))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		msg1, err1 := Parse(data)
		msg2, err2 := Parse(data)
		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("non-deterministic parse result: err1=%v err2=%v", err1, err2)
		}
		if err1 != nil {
			return
		}
		if err := msg1.validate(); err != nil {
			t.Fatalf("validate() failed after successful parse: %v", err)
		}
		if !reflect.DeepEqual(msg1, msg2) {
			t.Fatalf("non-deterministic parse output: msg1=%#v msg2=%#v", msg1, msg2)
		}
	})
}
