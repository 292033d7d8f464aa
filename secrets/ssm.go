package secrets

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
)

// SSMConfig names the parameter holding the AP bundle
type SSMConfig struct {
	Parameter string `yaml:"parameter"`
	Region    string `yaml:"region"`
}

func ssmClient(ctx context.Context, region string) (*ssm.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return ssm.NewFromConfig(awsCfg), nil
}

// LoadSSM fetches the AP bundle from a SecureString parameter holding
// base64 CBOR
func LoadSSM(ctx context.Context, cfg SSMConfig) (*APSecrets, error) {
	client, err := ssmClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("parameter", cfg.Parameter).Msg("SSM GET")
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(cfg.Parameter),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("SSM GetParameter failed: %w", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, fmt.Errorf("%w: SSM parameter %s is empty", ErrMalformed, cfg.Parameter)
	}

	data, err := base64.StdEncoding.DecodeString(*out.Parameter.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode SSM parameter: %w", err)
	}
	var a APSecrets
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode AP bundle: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// PutSSM stores the AP bundle as a SecureString parameter
func PutSSM(ctx context.Context, cfg SSMConfig, a *APSecrets) error {
	client, err := ssmClient(ctx, cfg.Region)
	if err != nil {
		return err
	}

	data, err := cbor.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode AP bundle: %w", err)
	}

	log.Debug().Str("parameter", cfg.Parameter).Msg("SSM PUT")
	_, err = client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(cfg.Parameter),
		Value:     aws.String(base64.StdEncoding.EncodeToString(data)),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("SSM PutParameter failed: %w", err)
	}
	return nil
}
