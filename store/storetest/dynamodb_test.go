// +build dynamodb

package storetest

// tests the DynamoDB store with an external service. Can use AWS, or can run
// DynamoDB Local.
//
// To run from the command line
//
//    java -jar DynamoDBLocal.jar -inMemory -port 8008 &
//    env "AWS_ACCESS_KEY_ID=XXXXX" "AWS_SECRET_ACCESS_KEY=YYYY" go test -tags=dynamodb

import (
	"os"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/ndlib/dyntx/store"
)

func getSession() *session.Session {
	endpoint := os.Getenv("DYNTX_TEST_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:8008"
	}
	return session.Must(session.NewSession(&aws.Config{
		Endpoint: aws.String(endpoint),
		Region:   aws.String("us-east-1"),
	}))
}

func TestDynamoDB(t *testing.T) {
	Conformance(t, store.NewDynamoDB(getSession()))
}

func TestDynamoDBStress(t *testing.T) {
	Stress(t, store.NewDynamoDB(getSession()), 200)
}
