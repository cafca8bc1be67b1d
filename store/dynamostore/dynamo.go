package dynamostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/kavos113/minicr/storage"
	"github.com/kavos113/minicr/store"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	tableNameTags       = "registry_tags"
	tableNameReferences = "registry_references"

	requestTimeout = 30 * time.Second
)

type Config struct {
	Endpoint    string
	Region      string
	TablePrefix string
	AccessKey   string
	SecretKey   string
}

type api interface {
	dynamodb.QueryAPIClient
	dynamodb.DescribeTableAPIClient
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type Store struct {
	client      api
	tablePrefix string
	logger      *slog.Logger
}

func NewStore(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	s := newStore(client, cfg.TablePrefix, logger)
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newStore(client api, tablePrefix string, logger *slog.Logger) *Store {
	return &Store{client: client, tablePrefix: tablePrefix, logger: logger}
}

// Close is a no-op; the SDK client holds no connections that need releasing.
func (s *Store) Close() error {
	return nil
}

func (s *Store) tableName(base string) string {
	if s.tablePrefix != "" {
		return s.tablePrefix + "_" + base
	}
	return base
}

func (s *Store) ensureTables(ctx context.Context) error {
	for _, base := range []string{tableNameTags, tableNameReferences} {
		name := s.tableName(base)
		_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
		if err == nil {
			continue
		}

		_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(name),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
			},
			BillingMode: types.BillingModePayPerRequest,
		})
		if err != nil {
			return fmt.Errorf("failed to create table %s: %w", name, err)
		}

		waiter := dynamodb.NewTableExistsWaiter(s.client)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, 2*time.Minute); err != nil {
			return fmt.Errorf("table %s did not become active: %w", name, err)
		}
		s.logger.Info("created table", "table", name)
	}
	return nil
}

type tagItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	Digest string `dynamodbav:"digest"`
}

type referenceItem struct {
	PK           string `dynamodbav:"pk"`
	SK           string `dynamodbav:"sk"`
	ArtifactType string `dynamodbav:"artifact_type"`
	Descriptor   string `dynamodbav:"descriptor"` // JSON encoded
}

const (
	tagPrefix       = "TAG#"
	referencePrefix = "REF#"
)

func repoKey(repo string) string {
	return "REPO#" + repo
}

func tagKey(tag string) string {
	return tagPrefix + tag
}

func referencePrefixFor(subject digest.Digest) string {
	return referencePrefix + subject.String() + "#"
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *Store) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.logger.Error("dynamodb request failed", "op", op, "error", err)
	return fmt.Errorf("failed to %s: %w", op, storage.ErrStorageFail)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *Store) SaveTag(ctx context.Context, repo string, tag string, d digest.Digest) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	av, err := attributevalue.MarshalMap(tagItem{PK: repoKey(repo), SK: tagKey(tag), Digest: d.String()})
	if err != nil {
		return fmt.Errorf("failed to marshal tag: %w", storage.ErrStorageFail)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName(tableNameTags)),
		Item:      av,
	})
	if err != nil {
		return s.fail("save tag", err)
	}
	return nil
}

func (s *Store) ReadTag(ctx context.Context, repo string, tag string) (digest.Digest, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName(tableNameTags)),
		Key:            itemKey(repoKey(repo), tagKey(tag)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", s.fail("read tag", err)
	}
	if out.Item == nil {
		return "", storage.ErrNotFound
	}

	var item tagItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return "", fmt.Errorf("failed to unmarshal tag: %w", storage.ErrStorageFail)
	}
	return digest.Digest(item.Digest), nil
}

func (s *Store) DeleteTag(ctx context.Context, repo string, tag string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName(tableNameTags)),
		Key:                 itemKey(repoKey(repo), tagKey(tag)),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return storage.ErrNotFound
		}
		return s.fail("delete tag", err)
	}
	return nil
}

// queryTags pages through the tag items of repo, optionally only those
// pointing at d.
func (s *Store) queryTags(ctx context.Context, repo string, d digest.Digest) ([]tagItem, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName(tableNameTags)),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: repoKey(repo)},
			":prefix": &types.AttributeValueMemberS{Value: tagPrefix},
		},
		ConsistentRead: aws.Bool(true),
	}
	if d != "" {
		input.FilterExpression = aws.String("digest = :digest")
		input.ExpressionAttributeValues[":digest"] = &types.AttributeValueMemberS{Value: d.String()}
	}

	var items []tagItem
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.fail("query tags", err)
		}
		var pageItems []tagItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &pageItems); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", storage.ErrStorageFail)
		}
		items = append(items, pageItems...)
	}
	return items, nil
}

func tagNames(items []tagItem) []string {
	tags := make([]string, 0, len(items))
	for _, item := range items {
		tags = append(tags, strings.TrimPrefix(item.SK, tagPrefix))
	}
	return tags
}

// LookupTags filters the repository partition server side. Tag counts per
// repository are small, so there is no secondary index on digest.
func (s *Store) LookupTags(ctx context.Context, repo string, d digest.Digest) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	items, err := s.queryTags(ctx, repo, d)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, storage.ErrNotFound
	}
	return store.Paginate(tagNames(items), -1, ""), nil
}

func (s *Store) DeleteTagsByDigest(ctx context.Context, repo string, d digest.Digest) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	items, err := s.queryTags(ctx, repo, d)
	if err != nil {
		return nil, err
	}

	removed := make([]string, 0, len(items))
	for _, item := range items {
		// skip tags moved to another digest since the query
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(s.tableName(tableNameTags)),
			Key:                 itemKey(item.PK, item.SK),
			ConditionExpression: aws.String("digest = :digest"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":digest": &types.AttributeValueMemberS{Value: d.String()},
			},
		})
		if err != nil {
			if isConditionFailed(err) {
				continue
			}
			return nil, s.fail("delete tag", err)
		}
		removed = append(removed, strings.TrimPrefix(item.SK, tagPrefix))
	}
	return store.Paginate(removed, -1, ""), nil
}

func (s *Store) ListTags(ctx context.Context, repo string, n int, last string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	items, err := s.queryTags(ctx, repo, "")
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, storage.ErrNotFound
	}
	return store.Paginate(tagNames(items), n, last), nil
}

func (s *Store) AddReferrer(ctx context.Context, repo string, subject digest.Digest, desc ocispec.Descriptor) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", storage.ErrStorageFail)
	}

	av, err := attributevalue.MarshalMap(referenceItem{
		PK:           repoKey(repo),
		SK:           referencePrefixFor(subject) + desc.Digest.String(),
		ArtifactType: desc.ArtifactType,
		Descriptor:   string(data),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reference item: %w", storage.ErrStorageFail)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName(tableNameReferences)),
		Item:      av,
	})
	if err != nil {
		return s.fail("add referrer", err)
	}
	return nil
}

func (s *Store) ListReferrers(ctx context.Context, repo string, subject digest.Digest, artifactType string) ([]ocispec.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName(tableNameReferences)),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: repoKey(repo)},
			":prefix": &types.AttributeValueMemberS{Value: referencePrefixFor(subject)},
		},
	})

	descs := make([]ocispec.Descriptor, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.fail("query referrers", err)
		}
		for _, av := range page.Items {
			var item referenceItem
			if err := attributevalue.UnmarshalMap(av, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal reference: %w", storage.ErrStorageFail)
			}
			var desc ocispec.Descriptor
			if err := json.Unmarshal([]byte(item.Descriptor), &desc); err != nil {
				return nil, fmt.Errorf("failed to unmarshal descriptor: %w", storage.ErrStorageFail)
			}
			descs = append(descs, desc)
		}
	}
	return store.FilterReferrers(descs, artifactType), nil
}

func (s *Store) RemoveReferrer(ctx context.Context, repo string, subject digest.Digest, d digest.Digest) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName(tableNameReferences)),
		Key:                 itemKey(repoKey(repo), referencePrefixFor(subject)+d.String()),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return storage.ErrNotFound
		}
		return s.fail("remove referrer", err)
	}
	return nil
}
