package s3source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/churnguard/lake/indexer/pkg/dataset"
)

type fakeS3 struct {
	objects map[string]string
	calls   int
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.calls++
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const churnCSV = `customerID, City ,MonthlyCharges,churn_probability
C1,Austin,70,0.91
C2,Boston,,0.12
C3,austin,99.9,0.85
`

func TestLake_S3Source_ParseURI(t *testing.T) {
	t.Parallel()

	bucket, key, err := ParseURI("s3://data/uploads/churn.csv")
	require.NoError(t, err)
	require.Equal(t, "data", bucket)
	require.Equal(t, "uploads/churn.csv", key)

	for _, bad := range []string{"data/churn.csv", "s3://", "s3://data", "s3://data/", "s3:///churn.csv", "s3://data/dir/"} {
		_, _, err := ParseURI(bad)
		require.ErrorIs(t, err, ErrInvalidURI, bad)
	}
}

func TestLake_S3Source_Load(t *testing.T) {
	t.Parallel()

	client := &fakeS3{objects: map[string]string{"data/uploads/churn.csv": churnCSV}}
	snap, err := New(testLogger(), client, 0).Load(context.Background(), "s3://data/uploads/churn.csv")
	require.NoError(t, err)
	require.Equal(t, "churn.csv", snap.Name())
	require.Equal(t, 3, snap.Len())
	require.Equal(t, []string{"customerID", "City", "MonthlyCharges", "churn_probability"}, snap.Catalog().Names())

	col, _, ok := snap.Catalog().Lookup("MonthlyCharges")
	require.True(t, ok)
	require.Equal(t, dataset.ColumnTypeNumeric, col.Type)
}

func TestLake_S3Source_Load_Errors(t *testing.T) {
	t.Parallel()

	client := &fakeS3{objects: map[string]string{"data/big.csv": churnCSV}}
	loader := New(testLogger(), client, 16)

	_, err := loader.Load(context.Background(), "s3://data/big.csv")
	require.ErrorIs(t, err, ErrObjectTooBig)

	_, err = loader.Load(context.Background(), "s3://data/missing.csv")
	require.ErrorContains(t, err, "NoSuchKey")

	_, err = loader.Load(context.Background(), "https://data/big.csv")
	require.ErrorIs(t, err, ErrInvalidURI)
	require.Equal(t, 2, client.calls)
}
