package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeSubscribeOK(t *testing.T) {
	body := json.RawMessage(`{"version":1,"publicAddress":"alice","extra":"ignored"}`)
	got, err := DecodeSubscribe(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Version != 1 || got.PublicAddress != "alice" {
		t.Fatalf("unexpected decode: %+v", got)
	}
}

func TestDecodeSubscribeMissingAddress(t *testing.T) {
	body := json.RawMessage(`{"version":1}`)
	if _, err := DecodeSubscribe(body); err == nil {
		t.Fatalf("expected malformed error for missing publicAddress")
	} else if me, ok := err.(*MalformedError); !ok || me.Method != MethodSubscribe {
		t.Fatalf("expected MalformedError carrying method name, got %v", err)
	}
}

func TestDecodeSubmitBadRandomnessLength(t *testing.T) {
	body := json.RawMessage(`{"miningRequestId":1,"randomness":"aa"}`)
	if _, err := DecodeSubmit(body); err == nil {
		t.Fatalf("expected malformed error for short randomness")
	}
}

func TestDecodeSubmitOK(t *testing.T) {
	body := json.RawMessage(`{"miningRequestId":5,"randomness":"0000000000000001"}`)
	got, err := DecodeSubmit(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.MiningRequestID != 5 {
		t.Fatalf("unexpected decode: %+v", got)
	}
}

func TestMarshalEnvelope(t *testing.T) {
	raw, err := Marshal(1, MethodSubscribed, SubscribedBody{ClientID: 7, Xn: "ab"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if env.Method != MethodSubscribed || env.ID != 1 {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	var got SubscribedBody
	if err := json.Unmarshal(env.Body, &got); err != nil {
		t.Fatalf("unexpected body unmarshal error: %v", err)
	}
	if got.ClientID != 7 || got.Xn != "ab" {
		t.Fatalf("unexpected body: %+v", got)
	}
}
