package store

import (
	"context"
	"log"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
)

// A DynamoDB store keeps items in AWS DynamoDB tables. Conditions and update
// expressions are passed through unchanged, so DynamoDB does all the
// evaluation.
//
// Do not change the exported fields concurrently with calls using the
// structure.
type DynamoDB struct {
	svc dynamodbiface.DynamoDBAPI

	// Stats receives counters and timings for each request. It may be nil.
	Stats stats.Client

	// The provisioned throughput for tables made by CreateTable. If either
	// is zero the tables are created with on-demand billing.
	ReadCapacity  int64
	WriteCapacity int64
}

var (
	_ Store       = &DynamoDB{}
	_ Provisioner = &DynamoDB{}
)

// NewDynamoDB creates a DynamoDB store using the region, endpoint, and
// credentials in the given session.
func NewDynamoDB(awsSession *session.Session) *DynamoDB {
	return NewDynamoDBWithClient(dynamodb.New(awsSession))
}

// NewDynamoDBWithClient creates a DynamoDB store which sends its requests
// through api.
func NewDynamoDBWithClient(api dynamodbiface.DynamoDBAPI) *DynamoDB {
	return &DynamoDB{svc: api}
}

// isDynamoConditionFailed is true if err is, or wraps, a DynamoDB conditional
// check exception.
func isDynamoConditionFailed(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
	}
	return false
}

// translate maps AWS errors onto the errors of this package, and reports the
// unexpected ones. Condition failures are an expected outcome and are not
// logged.
func (d *DynamoDB) translate(op, table string, err error) error {
	if err == nil {
		return nil
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case dynamodb.ErrCodeConditionalCheckFailedException:
			stats.BumpSum(d.Stats, "dynamodb."+op+".conditionfailed", 1)
			return errors.Wrap(ErrConditionFailed, aerr.Message())
		case dynamodb.ErrCodeResourceNotFoundException:
			return errors.Wrapf(ErrNoTable, "dynamodb: %s", table)
		case "ValidationException":
			return errors.Wrap(ErrInvalidExpression, aerr.Message())
		}
	}
	stats.BumpSum(d.Stats, "dynamodb."+op+".error", 1)
	log.Println("DynamoDB", op, table, err)
	raven.CaptureError(err, map[string]string{"Table": table, "Op": op})
	return errors.Wrapf(err, "dynamodb %s %s", op, table)
}

// placeholderArgs converts the placeholder maps into their request form. Empty
// maps become nil, since DynamoDB rejects empty maps.
func placeholderArgs(names map[string]string, values map[string]interface{}) (map[string]*string, map[string]*dynamodb.AttributeValue, error) {
	var n map[string]*string
	var v map[string]*dynamodb.AttributeValue
	if len(names) > 0 {
		n = aws.StringMap(names)
	}
	if len(values) > 0 {
		var err error
		v, err = dynamodbattribute.MarshalMap(values)
		if err != nil {
			return nil, nil, errors.Wrap(err, "dynamodb: marshal values")
		}
	}
	return n, v, nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func optReturn(rv ReturnValues) *string {
	if rv == "" {
		return nil
	}
	return aws.String(string(rv))
}

// decodeItem turns an attribute map from DynamoDB into a normalized Item.
// Numbers are decoded without loss of precision before normalizing.
func decodeItem(av map[string]*dynamodb.AttributeValue) (Item, error) {
	if len(av) == 0 {
		return nil, nil
	}
	dec := dynamodbattribute.NewDecoder(func(d *dynamodbattribute.Decoder) {
		d.UseNumber = true
	})
	var result map[string]interface{}
	err := dec.Decode(&dynamodb.AttributeValue{M: av}, &result)
	if err != nil {
		return nil, errors.Wrap(err, "dynamodb: decode item")
	}
	return NormalizeItem(Item(result)), nil
}

// Get reads an item.
func (d *DynamoDB) Get(ctx context.Context, table string, key Item, in *GetInput) (Item, error) {
	defer stats.BumpTime(d.Stats, "dynamodb.get.time").End()
	if in == nil {
		in = &GetInput{}
	}
	k, err := dynamodbattribute.MarshalMap(key)
	if err != nil {
		return nil, errors.Wrap(err, "dynamodb: marshal key")
	}
	output, err := d.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            k,
		ConsistentRead: aws.Bool(in.ConsistentRead),
	})
	if err != nil {
		return nil, d.translate("get", table, err)
	}
	return decodeItem(output.Item)
}

// Put replaces an item.
func (d *DynamoDB) Put(ctx context.Context, table string, in *PutInput) (Item, error) {
	defer stats.BumpTime(d.Stats, "dynamodb.put.time").End()
	if in == nil {
		in = &PutInput{}
	}
	item, err := dynamodbattribute.MarshalMap(in.Item)
	if err != nil {
		return nil, errors.Wrap(err, "dynamodb: marshal item")
	}
	names, values, err := placeholderArgs(in.Names, in.Values)
	if err != nil {
		return nil, err
	}
	output, err := d.svc.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(table),
		Item:                      item,
		ConditionExpression:       optString(in.ConditionExpression),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              optReturn(in.ReturnValues),
	})
	if err != nil {
		return nil, d.translate("put", table, err)
	}
	return decodeItem(output.Attributes)
}

// Update changes an item in place.
func (d *DynamoDB) Update(ctx context.Context, table string, key Item, in *UpdateInput) (Item, error) {
	defer stats.BumpTime(d.Stats, "dynamodb.update.time").End()
	if in == nil {
		in = &UpdateInput{}
	}
	k, err := dynamodbattribute.MarshalMap(key)
	if err != nil {
		return nil, errors.Wrap(err, "dynamodb: marshal key")
	}
	names, values, err := placeholderArgs(in.Names, in.Values)
	if err != nil {
		return nil, err
	}
	output, err := d.svc.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       k,
		UpdateExpression:          optString(in.UpdateExpression),
		ConditionExpression:       optString(in.ConditionExpression),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              optReturn(in.ReturnValues),
	})
	if err != nil {
		return nil, d.translate("update", table, err)
	}
	return decodeItem(output.Attributes)
}

// Delete removes an item.
func (d *DynamoDB) Delete(ctx context.Context, table string, key Item, in *DeleteInput) (Item, error) {
	defer stats.BumpTime(d.Stats, "dynamodb.delete.time").End()
	if in == nil {
		in = &DeleteInput{}
	}
	k, err := dynamodbattribute.MarshalMap(key)
	if err != nil {
		return nil, errors.Wrap(err, "dynamodb: marshal key")
	}
	names, values, err := placeholderArgs(in.Names, in.Values)
	if err != nil {
		return nil, err
	}
	output, err := d.svc.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(table),
		Key:                       k,
		ConditionExpression:       optString(in.ConditionExpression),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              optReturn(in.ReturnValues),
	})
	if err != nil {
		return nil, d.translate("delete", table, err)
	}
	return decodeItem(output.Attributes)
}

// CreateTable creates a table and waits for it to become active. A table
// which already exists is left alone.
func (d *DynamoDB) CreateTable(ctx context.Context, schema Schema) error {
	input := &dynamodb.CreateTableInput{
		TableName: aws.String(schema.Table),
	}
	keys := []struct {
		attr    *KeyAttribute
		keytype string
	}{
		{&schema.HashKey, dynamodb.KeyTypeHash},
		{schema.RangeKey, dynamodb.KeyTypeRange},
	}
	for _, k := range keys {
		if k.attr == nil {
			continue
		}
		typ := k.attr.Type
		if typ == "" {
			typ = dynamodb.ScalarAttributeTypeS
		}
		input.AttributeDefinitions = append(input.AttributeDefinitions, &dynamodb.AttributeDefinition{
			AttributeName: aws.String(k.attr.Name),
			AttributeType: aws.String(typ),
		})
		input.KeySchema = append(input.KeySchema, &dynamodb.KeySchemaElement{
			AttributeName: aws.String(k.attr.Name),
			KeyType:       aws.String(k.keytype),
		})
	}
	if d.ReadCapacity > 0 && d.WriteCapacity > 0 {
		input.ProvisionedThroughput = &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(d.ReadCapacity),
			WriteCapacityUnits: aws.Int64(d.WriteCapacity),
		}
	} else {
		input.BillingMode = aws.String(dynamodb.BillingModePayPerRequest)
	}
	_, err := d.svc.CreateTableWithContext(ctx, input)
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == dynamodb.ErrCodeResourceInUseException {
		// already there
		return nil
	}
	if err != nil {
		return d.translate("createtable", schema.Table, err)
	}
	err = d.svc.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(schema.Table),
	})
	if err != nil {
		return d.translate("createtable", schema.Table, err)
	}
	return nil
}
