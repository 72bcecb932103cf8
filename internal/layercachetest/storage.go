package layercachetest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/lib/pq"

	"github.com/vinimdocarmo/layercache/internal/logger"
	"github.com/vinimdocarmo/layercache/internal/storage"
	objectstore "github.com/vinimdocarmo/layercache/internal/storage/object"
)

// SetupStorageManager connects a storage manager to the test PostgreSQL
// database and S3 bucket. Tests are skipped when POSTGRES_TEST_CONN is not
// set.
func SetupStorageManager(t *testing.T) (*storage.Manager, func()) {
	t.Helper()

	db := SetupDB(t)
	log := logger.New(os.Stderr)

	s3Endpoint := os.Getenv("AWS_ENDPOINT_URL")
	if s3Endpoint == "" {
		s3Endpoint = "http://localhost:4566"
	}

	s3Region := os.Getenv("AWS_REGION")
	if s3Region == "" {
		s3Region = "us-east-1"
	}

	s3BucketName := os.Getenv("S3_BUCKET_NAME")
	if s3BucketName == "" {
		s3BucketName = "layercache-bucket-test"
	}

	// Load AWS SDK configuration with static credentials for LocalStack
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(s3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			"test", "test", "test")),
	)
	if err != nil {
		t.Fatalf("Failed to configure AWS client: %v", err)
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s3Endpoint)
		o.UsePathStyle = true // Required for LocalStack
		o.DisableLogOutputChecksumValidationSkipped = true
	})

	objects := objectstore.NewS3(s3Client, s3BucketName)
	if err := objects.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("Failed to prepare bucket: %v", err)
	}

	sm := storage.NewManager(db, objects, log, storage.WithTempDir(t.TempDir()))
	if err := sm.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate schema: %v", err)
	}
	if _, err := db.Exec("DELETE FROM cache_entries"); err != nil {
		t.Fatalf("Failed to clean cache_entries table: %v", err)
	}

	cleanup := func() {
		if _, err := db.Exec("DELETE FROM cache_entries"); err != nil {
			t.Errorf("Failed to clean cache_entries table: %v", err)
		}
		sm.Close()
	}

	return sm, cleanup
}

// GetTestConnectionString returns the PostgreSQL connection string for tests
func GetTestConnectionString(t *testing.T) string {
	t.Helper()
	connStr := os.Getenv("POSTGRES_TEST_CONN")
	if connStr == "" {
		t.Skip("PostgreSQL connection string not provided. Set POSTGRES_TEST_CONN environment variable")
	}
	return connStr
}

func SetupDB(t *testing.T) *sql.DB {
	t.Helper()
	connStr := GetTestConnectionString(t)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database connection: %v", err)
	}
	return db
}
