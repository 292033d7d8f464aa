// Package main implements the provisioning tool for BootGuard.
// It generates a deployment's keys and credential hashes, writes the AP and
// Component bundles, and seals per-Component attestation data.
//
// Usage:
//
//	provision -out <dir> -pin <pin> -token <token> [-ssm-parameter <name>]
//	provision -seal -deployment <file> -id <id> -location <loc> -date <date> -customer <name> -out <dir>
//
// Environment variables:
//   - AWS_REGION: AWS region for SSM (default: us-east-1)
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mesmerverse/bootguard/secrets"
)

const (
	deploymentFile = "deployment.secrets"
	apFile         = "ap.secrets"
	componentFile  = "component.secrets"
)

func main() {
	out := flag.String("out", "", "Output directory (required)")
	pin := flag.String("pin", "", "Attestation PIN")
	token := flag.String("token", "", "Replacement token")
	ssmParameter := flag.String("ssm-parameter", "", "Also store the AP bundle in this SSM parameter")
	sealMode := flag.Bool("seal", false, "Seal attestation data for one Component")
	deploymentPath := flag.String("deployment", "", "Deployment bundle to seal with (defaults to <out>/deployment.secrets)")
	id := flag.Uint("id", 0, "Component ID to seal for")
	location := flag.String("location", "", "Attestation location")
	date := flag.String("date", "", "Attestation date")
	customer := flag.String("customer", "", "Attestation customer")
	dryRun := flag.Bool("dry-run", false, "Print what would be done without executing")
	flag.Parse()

	if *out == "" {
		fmt.Fprintln(os.Stderr, "Usage: provision -out <dir> -pin <pin> -token <token>")
		fmt.Fprintln(os.Stderr, "       provision -seal -id <id> -location <loc> -date <date> -customer <name> -out <dir>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if *sealMode {
		if *id == 0 {
			fmt.Fprintln(os.Stderr, "Error: -seal requires -id")
			os.Exit(1)
		}
		if *deploymentPath == "" {
			*deploymentPath = filepath.Join(*out, deploymentFile)
		}
		target := filepath.Join(*out, sealedName(uint32(*id)))
		fmt.Printf("Component: 0x%08x\n", *id)
		fmt.Printf("Deployment: %s\n", *deploymentPath)
		fmt.Printf("Output: %s\n", target)
		if *dryRun {
			fmt.Println("\n[DRY RUN] Would seal location, date and customer fields")
			return
		}

		att := secrets.Attestation{Location: *location, Date: *date, Customer: *customer}
		if err := seal(*deploymentPath, target, att); err != nil {
			fmt.Fprintf(os.Stderr, "Error sealing attestation: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("\nAttestation sealed")
		return
	}

	if *pin == "" || *token == "" {
		fmt.Fprintln(os.Stderr, "Error: -pin and -token are required")
		os.Exit(1)
	}

	fmt.Printf("Output: %s\n", *out)
	if *dryRun {
		fmt.Println("\n[DRY RUN] Would perform the following actions:")
		fmt.Printf("  1. Generate AP boot, AP attest, component and customer keys\n")
		fmt.Printf("  2. Write %s, %s and %s\n", deploymentFile, apFile, componentFile)
		if *ssmParameter != "" {
			fmt.Printf("  3. Store AP bundle in SSM: %s\n", *ssmParameter)
		}
		return
	}

	d, err := provision(*out, *pin, *token, rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error provisioning: %v\n", err)
		os.Exit(1)
	}
	ap, err := d.AP()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building AP bundle: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Component public key: %s\n", fingerprint(ap.ComponentPub))
	fmt.Printf("Customer public key: %s\n", fingerprint(ap.CustomerPub))

	if *ssmParameter != "" {
		fmt.Println("\nStoring AP bundle in SSM...")
		cfg := secrets.SSMConfig{
			Parameter: *ssmParameter,
			Region:    envOrDefault("AWS_REGION", "us-east-1"),
		}
		if err := secrets.PutSSM(context.Background(), cfg, ap); err != nil {
			fmt.Fprintf(os.Stderr, "Error storing AP bundle: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("AP bundle stored")
	}

	fmt.Println("\nProvisioning complete!")
	fmt.Printf("  Keep %s offline; it is needed only to seal attestation data\n", deploymentFile)
}

// provision generates a deployment and writes its three bundles to dir
func provision(dir, pin, token string, r io.Reader) (*secrets.Deployment, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	d, err := secrets.Generate(r, pin, token)
	if err != nil {
		return nil, err
	}
	ap, err := d.AP()
	if err != nil {
		return nil, err
	}
	comp, err := d.Component()
	if err != nil {
		return nil, err
	}

	bundles := []struct {
		name string
		v    any
	}{
		{deploymentFile, d},
		{apFile, ap},
		{componentFile, comp},
	}
	for _, b := range bundles {
		if err := secrets.Save(filepath.Join(dir, b.name), b.v); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// seal encrypts a under the deployment's unwrap key and writes it to target
func seal(deploymentPath, target string, a secrets.Attestation) error {
	var d secrets.Deployment
	if err := secrets.Load(deploymentPath, &d); err != nil {
		return err
	}
	sealed, err := secrets.SealAttestation(d.UnwrapKey, a)
	if err != nil {
		return err
	}
	return secrets.Save(target, sealed)
}

func sealedName(id uint32) string {
	return fmt.Sprintf("attestation-0x%08x.sealed", id)
}

// fingerprint returns a short digest of a public key for operator logs
func fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
