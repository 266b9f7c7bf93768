package settings

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/paf-admin/internal/log"
	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

// ParameterAPI is the subset of *ssm.Client used here.
type ParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

type SSMOptions struct {
	Logger log.Logger
	Client ParameterAPI

	// Param is the SecureString parameter holding the settings JSON
	Param string

	// KeyID optionally names the KMS key used to encrypt the parameter
	KeyID string
}

// SSMLoader loads and saves settings as a JSON SecureString parameter.
type SSMLoader struct {
	opts   SSMOptions
	logger log.Logger
}

func NewSSMLoader(opts SSMOptions) (*SSMLoader, error) {
	if opts.Client == nil {
		return nil, xerrors.New("SSM client is required")
	}
	if opts.Param == "" {
		return nil, xerrors.New("SSM parameter name is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &SSMLoader{opts: opts, logger: opts.Logger}, nil
}

// Load fetches the stored settings. found is false when the parameter does
// not exist yet, which is normal on a fresh deployment.
func (l *SSMLoader) Load(ctx context.Context) (s Settings, found bool, err error) {
	out, err := l.opts.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.Param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *ssmtypes.ParameterNotFound
		if errors.As(err, &nf) {
			return Settings{}, false, nil
		}
		return Settings{}, false, xerrors.Wrapf(err, "get SSM parameter %s", l.opts.Param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return Settings{}, false, xerrors.Newf("SSM parameter %s has no value", l.opts.Param)
	}

	if err := json.Unmarshal([]byte(*out.Parameter.Value), &s); err != nil {
		return Settings{}, false, xerrors.Wrapf(err, "decode SSM parameter %s", l.opts.Param)
	}
	if err := Validate(s); err != nil {
		return Settings{}, false, xerrors.Wrapf(err, "SSM parameter %s holds invalid settings", l.opts.Param)
	}
	return s, true, nil
}

// Save writes s, overwriting any previous value.
func (l *SSMLoader) Save(ctx context.Context, s Settings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return xerrors.Wrap(err, "encode settings")
	}
	in := &ssm.PutParameterInput{
		Name:      aws.String(l.opts.Param),
		Value:     aws.String(string(data)),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	}
	if l.opts.KeyID != "" {
		in.KeyId = aws.String(l.opts.KeyID)
	}
	out, err := l.opts.Client.PutParameter(ctx, in)
	if err != nil {
		return xerrors.Wrapf(err, "put SSM parameter %s", l.opts.Param)
	}
	l.logger.Info(ctx, "settings saved", "param", l.opts.Param, "version", out.Version)
	return nil
}
