package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/loom-iac/loom/internal/eval"
	"github.com/loom-iac/loom/internal/ir"
)

// S3Store keeps state in an S3 object, with optional DynamoDB locking. Each
// commit re-reads the remote serial before overwriting, so concurrent
// writers from stale copies fail with ErrStaleState.
type S3Store struct {
	bucket        string
	key           string
	region        string
	dynamoDBTable string
	encrypt       bool
	profile       string

	evaluator *eval.Evaluator
	s3Client  *s3.Client
	dbClient  *dynamodb.Client
	lockID    string
	mu        sync.Mutex
}

// NewS3Store builds a remote store from backend configuration keys:
// bucket (required), key, region, dynamodb_table, encrypt, profile.
func NewS3Store(config map[string]string, evaluator *eval.Evaluator) (*S3Store, error) {
	bucket := config["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("s3 state store requires 'bucket' configuration")
	}

	key := config["key"]
	if key == "" {
		key = "loom/state.pkl"
	}

	region := config["region"]
	if region == "" {
		region = "us-east-1"
	}

	s := &S3Store{
		bucket:        bucket,
		key:           key,
		region:        region,
		dynamoDBTable: config["dynamodb_table"],
		encrypt:       config["encrypt"] == "true",
		profile:       config["profile"],
		evaluator:     evaluator,
	}

	if err := s.initClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize S3 state store: %w", err)
	}
	return s, nil
}

func (s *S3Store) initClients() error {
	ctx := context.Background()

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(s.region))
	if s.profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(s.profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load AWS config: %w", err)
	}

	s.s3Client = s3.NewFromConfig(cfg)
	if s.dynamoDBTable != "" {
		s.dbClient = dynamodb.NewFromConfig(cfg)
	}
	return nil
}

// fetch reads the remote object, decrypted. A missing object returns nil
// content with no error.
func (s *S3Store) fetch(ctx context.Context) ([]byte, error) {
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state from s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	content := buf.Bytes()

	if IsEncrypted(content) {
		decrypted, err := DecryptState(content)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt remote state: %w", err)
		}
		content = decrypted
	}
	return content, nil
}

func (s *S3Store) Load(ctx context.Context) (*ir.State, error) {
	content, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return &ir.State{Version: 1, Serial: 0}, nil
	}

	// The PKL evaluator needs a file, and the file needs its schema module
	// next to it.
	tmpDir, err := os.MkdirTemp("", "loom-state-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := ensureStateSchema(tmpDir); err != nil {
		return nil, err
	}
	tmpFile := filepath.Join(tmpDir, "state.pkl")
	if err := os.WriteFile(tmpFile, content, 0600); err != nil {
		return nil, fmt.Errorf("failed to write temp state file: %w", err)
	}

	state, err := s.evaluator.LoadState(ctx, tmpFile)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote state: %w", err)
	}
	return state, nil
}

func (s *S3Store) Commit(ctx context.Context, state *ir.State, rec *ir.ResourceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGeneration(ctx, state); err != nil {
		return err
	}
	upsertRecord(state, rec)
	state.Serial++
	return s.persist(ctx, state)
}

func (s *S3Store) Remove(ctx context.Context, state *ir.State, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGeneration(ctx, state); err != nil {
		return err
	}
	removeRecord(state, addr)
	state.Serial++
	return s.persist(ctx, state)
}

func (s *S3Store) WriteOutputs(ctx context.Context, state *ir.State, outputs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGeneration(ctx, state); err != nil {
		return err
	}
	state.Outputs = outputs
	state.Serial++
	return s.persist(ctx, state)
}

func (s *S3Store) checkGeneration(ctx context.Context, state *ir.State) error {
	content, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	if content == nil {
		if state.Serial != 0 {
			return ErrStaleState
		}
		return nil
	}
	serial, ok := parseSerial(content)
	if ok && serial != state.Serial {
		return ErrStaleState
	}
	return nil
}

func (s *S3Store) persist(ctx context.Context, state *ir.State) error {
	content := []byte(SerializeState(state))
	encrypted, err := EncryptState(content)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Body:   bytes.NewReader(encrypted),
	}
	if s.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}

func (s *S3Store) Lock(ctx context.Context) error {
	if s.dynamoDBTable == "" {
		return nil // No locking without DynamoDB
	}

	s.lockID = fmt.Sprintf("loom-%d-%d", os.Getpid(), time.Now().UnixNano())

	_, err := s.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.dynamoDBTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: s.key},
			"Info":    &dbtypes.AttributeValueMemberS{Value: s.lockID},
			"Created": &dbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		if strings.Contains(err.Error(), "ConditionalCheckFailedException") {
			return fmt.Errorf("state is locked by another process. If this is an error, "+
				"manually delete the lock item with LockID=%q from DynamoDB table %q", s.key, s.dynamoDBTable)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

func (s *S3Store) Unlock(ctx context.Context) error {
	if s.dynamoDBTable == "" {
		return nil
	}

	_, err := s.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.dynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.key},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
