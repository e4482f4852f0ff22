package main

import (
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"

	"github.com/ndlib/dyntx/store"
)

// parselocation creates the store named by location. If location is empty,
// a memory store is returned. It understands the schemes:
//
//	memory:                     a new in-process store
//	ql:<file>                   a QL database kept in file
//	ql-mem:                     an in-memory QL database
//	mysql:<dsn>                 a MySQL database, e.g. mysql:user:pw@tcp(host:3306)/dyntx
//	dynamodb:                   DynamoDB in the configured region
//	dynamodb://host:port        DynamoDB at the given endpoint, e.g. DynamoDB Local
func parselocation(location string, conf storeConfig) (store.Store, error) {
	if location == "" {
		return store.NewMemory(), nil
	}
	v := strings.SplitN(location, ":", 2)
	if len(v) != 2 {
		return nil, errors.Errorf("Problem parsing location %s, no scheme", location)
	}
	scheme, rest := v[0], v[1]
	switch scheme {
	case "memory":
		return store.NewMemory(), nil
	case "ql":
		filename := strings.TrimPrefix(rest, "//")
		if filename == "" {
			return nil, errors.Errorf("Problem parsing location %s, no file name", location)
		}
		return openSQL(store.NewQL(filename))
	case "ql-mem":
		return openSQL(store.NewQL("memory"))
	case "mysql":
		if rest == "" {
			return nil, errors.Errorf("Problem parsing location %s, no data source name", location)
		}
		return openSQL(store.NewMySQL(rest))
	case "dynamodb":
		u, err := url.Parse(location)
		if err != nil {
			return nil, errors.Wrapf(err, "Problem parsing location %s", location)
		}
		awsconf := &aws.Config{}
		if conf.Region != "" {
			awsconf.Region = aws.String(conf.Region)
		}
		if u.Host != "" {
			endpoint := "https://" + u.Host
			// local development endpoints do not use TLS
			if strings.Contains(u.Host, "localhost") || strings.HasPrefix(u.Host, "127.") {
				endpoint = "http://" + u.Host
			}
			awsconf.Endpoint = aws.String(endpoint)
		}
		sess, err := session.NewSession(awsconf)
		if err != nil {
			return nil, errors.Wrap(err, "making AWS session")
		}
		d := store.NewDynamoDB(sess)
		d.ReadCapacity = conf.ReadCapacity
		d.WriteCapacity = conf.WriteCapacity
		return d, nil
	}
	return nil, errors.Errorf("Problem parsing location %s, unknown scheme %s", location, scheme)
}

// openSQL keeps a failed open from becoming a non-nil store.Store.
func openSQL(s *store.SQL, err error) (store.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
