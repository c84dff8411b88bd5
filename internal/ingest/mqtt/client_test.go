package mqtt

import "testing"

func TestDecodeLocation(t *testing.T) {
	loc, err := decodeLocation([]byte(`{"key":"pilot1","lat":46.5,"lon":14.2}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.Key != "pilot1" || loc.Lat != 46.5 || loc.Lon != 14.2 {
		t.Fatalf("unexpected decode result: %+v", loc)
	}
}

func TestDecodeLocationRejectsMissingKey(t *testing.T) {
	if _, err := decodeLocation([]byte(`{"lat":46.5,"lon":14.2}`)); err == nil {
		t.Fatal("expected an error for a payload with no key")
	}
}

func TestDecodeLocationRejectsMalformedJSON(t *testing.T) {
	if _, err := decodeLocation([]byte(`not json`)); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestDecodeLocationRemove(t *testing.T) {
	loc, err := decodeLocation([]byte(`{"key":"pilot1","remove":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.Key != "pilot1" || !loc.Remove {
		t.Fatalf("unexpected decode result: %+v", loc)
	}
}
