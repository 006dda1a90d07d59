package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/danmuck/guildgate/internal/guildstate"
	"github.com/danmuck/guildgate/internal/presence"
	"github.com/danmuck/guildgate/internal/testutil/testlog"
)

func TestParseQuery(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name    string
		query   string
		want    Params
		wantErr CloseCode
	}{
		{name: "defaults", query: "", want: Params{Version: 6, Encoding: EncodingJSON}},
		{name: "cbor zlib", query: "v=6&encoding=cbor&compress=zlib-stream", want: Params{Version: 6, Encoding: EncodingCBOR, Compression: CompressZlibStream}},
		{name: "old version", query: "v=5", wantErr: CloseInvalidVersion},
		{name: "garbage version", query: "v=six", wantErr: CloseInvalidVersion},
		{name: "etf", query: "encoding=etf", wantErr: CloseDecodeError},
		{name: "unknown compression", query: "compress=gzip", wantErr: CloseDecodeError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, err := url.ParseQuery(tc.query)
			if err != nil {
				t.Fatalf("parse query: %v", err)
			}
			got, err := ParseQuery(q)
			if tc.wantErr != 0 {
				if err == nil {
					t.Fatalf("expected error for %q", tc.query)
				}
				if code := NegotiationCloseCode(err); code != tc.wantErr {
					t.Fatalf("close code got=%d want=%d", code, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tc.want {
				t.Fatalf("params got=%+v want=%+v", got, tc.want)
			}
		})
	}
}

func TestCodecsCarryDispatchFrames(t *testing.T) {
	testlog.Start(t)

	payload := json.RawMessage(`{"channel_id":"c1","content":"hi","nonce":12345678901,"ratio":0.5,"tags":["a","b"]}`)
	frame := DispatchFrame(42, EventMessageCreate, payload)

	for _, enc := range []Encoding{EncodingJSON, EncodingCBOR} {
		t.Run(string(enc), func(t *testing.T) {
			codec, err := CodecFor(enc)
			if err != nil {
				t.Fatalf("codec: %v", err)
			}
			data, err := codec.Encode(frame)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Op != OpDispatch || got.S == nil || *got.S != 42 || got.T == nil || *got.T != EventMessageCreate {
				t.Fatalf("header mismatch: op=%v s=%v t=%v", got.Op, got.S, got.T)
			}
			var want, have map[string]any
			if err := json.Unmarshal(payload, &want); err != nil {
				t.Fatalf("unmarshal want: %v", err)
			}
			if err := json.Unmarshal(got.D, &have); err != nil {
				t.Fatalf("unmarshal got: %v", err)
			}
			if fmt.Sprint(want) != fmt.Sprint(have) {
				t.Fatalf("payload got=%v want=%v", have, want)
			}
		})
	}
}

func TestCBOREncodingIsDeterministic(t *testing.T) {
	testlog.Start(t)

	a, err := CBORCodec{}.Encode(Frame{Op: OpHello, D: json.RawMessage(`{"b":1,"a":2}`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := CBORCodec{}.Encode(Frame{Op: OpHello, D: json.RawMessage(`{"a":2,"b":1}`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("equal payloads encoded differently")
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	testlog.Start(t)

	if _, err := (JSONCodec{}).Decode([]byte("{not json")); !errors.Is(err, ErrDecode) {
		t.Fatalf("json decode err=%v", err)
	}
	if _, err := (CBORCodec{}).Decode([]byte{0xff, 0x00}); !errors.Is(err, ErrDecode) {
		t.Fatalf("cbor decode err=%v", err)
	}
	if _, err := CodecFor("etf"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("unknown encoding err=%v", err)
	}
}

func TestZlibStreamSharesContextAcrossMessages(t *testing.T) {
	testlog.Start(t)

	comp, err := NewCompressor(CompressZlibStream)
	if err != nil {
		t.Fatalf("compressor: %v", err)
	}
	if !comp.Binary() {
		t.Fatalf("zlib-stream must be sent as binary")
	}
	inflater := NewInflater()
	msgs := []string{`{"op":10,"d":{"heartbeat_interval":41250}}`, `{"op":11,"d":null}`, `{"op":11,"d":null}`}
	for i, msg := range msgs {
		out, err := comp.Compress([]byte(msg))
		if err != nil {
			t.Fatalf("compress %d: %v", i, err)
		}
		if !bytes.HasSuffix(out, zlibSuffix) {
			t.Fatalf("message %d missing flush suffix", i)
		}
		got, done, err := inflater.Push(out)
		if err != nil {
			t.Fatalf("inflate %d: %v", i, err)
		}
		if !done || string(got) != msg {
			t.Fatalf("message %d got=%q done=%v", i, got, done)
		}
	}
}

func TestIdentifyValidate(t *testing.T) {
	testlog.Start(t)

	id := Identify{Token: "tok"}
	if err := id.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if id.LargeThreshold != DefaultLargeThreshold {
		t.Fatalf("large threshold default got=%d", id.LargeThreshold)
	}
	for _, bad := range []Identify{
		{},
		{Token: "tok", LargeThreshold: 10},
		{Token: "tok", LargeThreshold: 251},
		{Token: "tok", Presence: &StatusUpdate{Status: "busy"}},
	} {
		bad := bad
		if err := bad.Validate(); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("identify %+v err=%v", bad, err)
		}
	}
}

func TestFrameDecodeValidates(t *testing.T) {
	testlog.Start(t)

	f, err := NewFrame(OpResume, map[string]any{"token": "tok", "seq": 3})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	var r Resume
	if err := f.Decode(&r); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("resume without session_id err=%v", err)
	}
	if err := (Frame{Op: OpIdentify}).Decode(&Identify{}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("empty d err=%v", err)
	}
}

func TestStatusUpdateResolve(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		in   StatusUpdate
		want presence.Status
	}{
		{StatusUpdate{Status: "online"}, presence.Online},
		{StatusUpdate{Status: "online", AFK: true}, presence.Idle},
		{StatusUpdate{Status: "invisible"}, presence.Offline},
		{StatusUpdate{Status: "invisible", AFK: true}, presence.Offline},
		{StatusUpdate{Status: "dnd"}, presence.DND},
	}
	for _, tc := range cases {
		got, err := tc.in.Resolve()
		if err != nil {
			t.Fatalf("resolve %+v: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("resolve %+v got=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestRequestGuildMembersClampsLimit(t *testing.T) {
	testlog.Start(t)

	for _, limit := range []int{0, -3, 5000} {
		req := RequestGuildMembers{GuildID: "g1", Limit: limit}
		if err := req.Validate(); err != nil {
			t.Fatalf("validate: %v", err)
		}
		if req.Limit != MaxMemberChunk {
			t.Fatalf("limit %d clamped to %d", limit, req.Limit)
		}
	}
	req := RequestGuildMembers{GuildID: "g1", Limit: 7}
	if err := req.Validate(); err != nil || req.Limit != 7 {
		t.Fatalf("in-range limit changed: %d err=%v", req.Limit, err)
	}
}

func TestChunkMembers(t *testing.T) {
	testlog.Start(t)

	members := make([]guildstate.Member, 5)
	for i := range members {
		members[i] = guildstate.Member{UserID: fmt.Sprintf("u%d", i)}
	}
	chunks := ChunkMembers("g1", members, 2)
	if len(chunks) != 3 {
		t.Fatalf("chunks got=%d want=3", len(chunks))
	}
	if chunks[2].ChunkIndex != 2 || chunks[2].ChunkCount != 3 || len(chunks[2].Members) != 1 {
		t.Fatalf("last chunk %+v", chunks[2])
	}
	if empty := ChunkMembers("g1", nil, 0); len(empty) != 1 || empty[0].ChunkCount != 1 {
		t.Fatalf("empty result must still answer once: %+v", empty)
	}
}

func TestPayloadFieldExtraction(t *testing.T) {
	testlog.Start(t)

	if id, ok := ChannelID(json.RawMessage(`{"channel_id":"c9"}`), "channel_id"); !ok || id != "c9" {
		t.Fatalf("channel id got=%q ok=%v", id, ok)
	}
	if _, ok := ChannelID(json.RawMessage(`{"channel_id":7}`), "channel_id"); ok {
		t.Fatalf("numeric channel id must not match")
	}
	if id, ok := SubjectUserID(json.RawMessage(`{"user":{"id":"u1"}}`)); !ok || id != "u1" {
		t.Fatalf("nested user got=%q ok=%v", id, ok)
	}
	if id, ok := SubjectUserID(json.RawMessage(`{"user_id":"u2"}`)); !ok || id != "u2" {
		t.Fatalf("flat user got=%q ok=%v", id, ok)
	}
}

func TestGuildPayloadLargeGuildListsOnlinePresences(t *testing.T) {
	testlog.Start(t)

	g := guildstate.Guild{ID: "g1", Name: "big"}
	for i := 0; i < 60; i++ {
		g.Members = append(g.Members, guildstate.Member{UserID: fmt.Sprintf("u%02d", i)})
	}
	snap, err := guildstate.NewSnapshot(g)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	online := []presence.Presence{{UserID: "u03", GuildID: "g1", Status: presence.Online}}

	out := NewGuildPayload(snap, online, 50)
	if !out.Large || out.MemberCount != 60 || len(out.Members) != 1 || out.Members[0].UserID != "u03" {
		t.Fatalf("large payload large=%v count=%d members=%d", out.Large, out.MemberCount, len(out.Members))
	}
	out = NewGuildPayload(snap, online, 100)
	if out.Large || len(out.Members) != 60 {
		t.Fatalf("small payload large=%v members=%d", out.Large, len(out.Members))
	}
}

func TestCloseCodeRetryable(t *testing.T) {
	testlog.Start(t)

	for _, c := range []CloseCode{CloseUnknownError, CloseInvalidSeq, CloseRateLimited, CloseSessionTimeout} {
		if !c.Retryable() {
			t.Fatalf("%d (%s) should be retryable", c, c)
		}
	}
	for _, c := range []CloseCode{CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired, CloseInvalidVersion, CloseAlreadyAuthenticated} {
		if c.Retryable() {
			t.Fatalf("%d (%s) should be fatal", c, c)
		}
	}
	if OpHello.ClientSent() || !OpHeartbeat.ClientSent() {
		t.Fatalf("client-sent classification wrong")
	}
}
