package main

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/mesmerverse/bootguard/secrets"
)

func TestProvisionAndSeal(t *testing.T) {
	dir := t.TempDir()
	if _, err := provision(dir, "123456", "0123456789abcdef", rand.Reader); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	ap, err := secrets.LoadAP(filepath.Join(dir, apFile))
	if err != nil {
		t.Fatalf("LoadAP failed: %v", err)
	}
	if _, err := secrets.LoadComponent(filepath.Join(dir, componentFile)); err != nil {
		t.Fatalf("LoadComponent failed: %v", err)
	}

	want := secrets.Attestation{Location: "Pittsburgh", Date: "2026-10-19", Customer: "Mesmerverse"}
	target := filepath.Join(dir, sealedName(0x11111124))
	if err := seal(filepath.Join(dir, deploymentFile), target, want); err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	sealed, err := secrets.LoadSealed(target)
	if err != nil {
		t.Fatalf("LoadSealed failed: %v", err)
	}

	pinHash, err := ap.CheckPIN("123456")
	if err != nil {
		t.Fatalf("CheckPIN failed: %v", err)
	}
	key, err := ap.UnwrapAttestationKey(pinHash)
	if err != nil {
		t.Fatalf("UnwrapAttestationKey failed: %v", err)
	}
	got, err := secrets.OpenAttestation(key, sealed.Fields)
	if err != nil {
		t.Fatalf("OpenAttestation failed: %v", err)
	}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestSealMissingDeployment(t *testing.T) {
	dir := t.TempDir()
	err := seal(filepath.Join(dir, deploymentFile), filepath.Join(dir, "x.sealed"), secrets.Attestation{})
	if err == nil {
		t.Error("Expected error for missing deployment")
	}
}
