package tests

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestProtoMatchesRegisteredService(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "proto", "signer.proto"))
	if err != nil {
		t.Fatalf("read proto: %v", err)
	}
	content := string(data)
	checks := []string{
		"package psbtsigner.v1;",
		"service Signer",
		"rpc SignPsbt(google.protobuf.BytesValue)",
		"rpc SignPsbtStream(stream google.protobuf.BytesValue)",
	}
	for _, token := range checks {
		if !strings.Contains(content, token) {
			t.Fatalf("proto missing %s", token)
		}
	}
}
