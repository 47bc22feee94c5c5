package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
)

func generateCredentials(t *testing.T) Credentials {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	creds, err := SelfSigned(key)
	if err != nil {
		t.Fatalf("self-signed credentials: %v", err)
	}
	return creds
}

func TestSelfSigned_DerivesValidNodeID(t *testing.T) {
	creds := generateCredentials(t)

	if !creds.ID.Valid() {
		t.Errorf("NodeID %q is not valid", creds.ID)
	}
	if len(creds.ID) != NodeIDLen {
		t.Errorf("NodeID length = %d, want %d", len(creds.ID), NodeIDLen)
	}
	if string(creds.ID) != strings.ToLower(string(creds.ID)) {
		t.Error("NodeID should be lowercase hex")
	}
}

func TestSelfSigned_DistinctKeysDistinctIDs(t *testing.T) {
	a := generateCredentials(t)
	b := generateCredentials(t)

	if a.ID == b.ID {
		t.Errorf("distinct keys produced the same NodeID %s", a.ID)
	}
}

func TestSelfSigned_SameKeySameID(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	a, err := SelfSigned(key)
	if err != nil {
		t.Fatalf("first credentials: %v", err)
	}
	b, err := SelfSigned(key)
	if err != nil {
		t.Fatalf("second credentials: %v", err)
	}

	// The certificates differ (fresh serials) but the identity is derived
	// from the key alone.
	if a.ID != b.ID {
		t.Errorf("same key produced different NodeIDs: %s vs %s", a.ID, b.ID)
	}
}

func TestKeyHashVerifier_MatchesLocalDerivation(t *testing.T) {
	creds := generateCredentials(t)

	id, err := KeyHashVerifier{}.VerifyPeer(creds.Certificate.Certificate)
	if err != nil {
		t.Fatalf("VerifyPeer: %v", err)
	}
	if id != creds.ID {
		t.Errorf("verifier derived %s, local derivation %s", id, creds.ID)
	}
}

func TestKeyHashVerifier_RejectsEmptyChain(t *testing.T) {
	if _, err := (KeyHashVerifier{}).VerifyPeer(nil); err == nil {
		t.Error("expected error for empty certificate chain")
	}
}

func TestKeyHashVerifier_RejectsGarbage(t *testing.T) {
	if _, err := (KeyHashVerifier{}).VerifyPeer([][]byte{{0x01, 0x02}}); err == nil {
		t.Error("expected error for malformed certificate")
	}
}

func TestNodeID_Less(t *testing.T) {
	a := NodeID("aa")
	b := NodeID("bb")

	if !a.Less(b) {
		t.Error("aa should order before bb")
	}
	if b.Less(a) {
		t.Error("bb should not order before aa")
	}
	if a.Less(a) {
		t.Error("Less must be irreflexive")
	}
}

func TestNodeID_Valid(t *testing.T) {
	if (NodeID("zz")).Valid() {
		t.Error("short non-hex ID should be invalid")
	}
	if (NodeID(strings.Repeat("g", NodeIDLen))).Valid() {
		t.Error("non-hex alphabet should be invalid")
	}
	if !(NodeID(strings.Repeat("ab", NodeIDLen/2))).Valid() {
		t.Error("well-formed ID should be valid")
	}
}
