package chain

import (
	"encoding/hex"
	"testing"
)

func TestSelector(t *testing.T) {
	// keccak256("transfer(address,uint256)")[:4] is the canonical ERC-20
	// selector; a stable reference for the hash wiring.
	got := hex.EncodeToString(selector("transfer(address,uint256)"))
	if got != "a9059cbb" {
		t.Fatalf("unexpected selector %s", got)
	}
}

func TestEncodeAddress(t *testing.T) {
	enc, err := encodeAddress("0x52908400098527886E0F7030069857D2E4169EE7")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(enc) != wordSize {
		t.Fatalf("encoded length %d", len(enc))
	}
	if hex.EncodeToString(enc[12:]) != "52908400098527886e0f7030069857d2e4169ee7" {
		t.Fatalf("unexpected encoding %x", enc)
	}

	if _, err := encodeAddress("0x1234"); err == nil {
		t.Fatal("short address should fail")
	}
}

func TestEncodeStringsLayout(t *testing.T) {
	data := encodeStrings("ab", "c")
	// Two offset words, then two length-prefixed padded payloads.
	if len(data) != 2*wordSize+2*(2*wordSize) {
		t.Fatalf("unexpected layout length %d", len(data))
	}
	// First offset points just past the head.
	if data[wordSize-1] != 2*wordSize {
		t.Fatalf("first offset %d", data[wordSize-1])
	}
	// First payload length.
	if data[3*wordSize-1] != 2 {
		t.Fatalf("first length %d", data[3*wordSize-1])
	}
	if string(data[3*wordSize:3*wordSize+2]) != "ab" {
		t.Fatalf("payload not in tail")
	}
}

func TestDecodeBoolResult(t *testing.T) {
	word := make([]byte, wordSize)
	word[wordSize-1] = 1
	ok, err := decodeBoolResult(word)
	if err != nil || !ok {
		t.Fatalf("decode true: ok=%v err=%v", ok, err)
	}

	word[wordSize-1] = 0
	ok, err = decodeBoolResult(word)
	if err != nil || ok {
		t.Fatalf("decode false: ok=%v err=%v", ok, err)
	}

	if _, err := decodeBoolResult(nil); err == nil {
		t.Fatal("short word should fail")
	}
}
