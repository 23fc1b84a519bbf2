package test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/zmcp/odata-client/internal/batch"
	"github.com/zmcp/odata-client/internal/client"
	"github.com/zmcp/odata-client/internal/constants"
	"github.com/zmcp/odata-client/internal/models"
)

type CSRFTestSuite struct {
	suite.Suite
	service   *northwind
	transport *client.HTTPTransport
	session   *client.Session
}

func (s *CSRFTestSuite) SetupTest() {
	s.service = newNorthwind(0)
	s.service.setTokens("test-csrf-token-12345", "")

	s.transport = client.NewHTTPTransport(
		client.WithRetry(client.NoRetry()),
		client.WithCSRF(s.service.root()))
	var err error
	s.session, err = client.New(s.service.root(), client.WithTransport(s.transport))
	s.Require().NoError(err)
}

func (s *CSRFTestSuite) TearDownTest() {
	s.service.Close()
}

func (s *CSRFTestSuite) create(name string) (*models.ResponsePage, error) {
	desc, err := s.session.Query().ForEntitySet("Products").
		Create(s.session.Endpoint(), models.Entity{"ProductID": 77, "ProductName": name})
	s.Require().NoError(err)
	return s.session.Execute(context.Background(), desc)
}

func (s *CSRFTestSuite) TestReadsDoNotFetchToken() {
	desc, err := s.session.Query().ForEntitySet("Products").
		ToRequestDescriptor(s.session.Endpoint(), constants.GET, nil)
	s.Require().NoError(err)

	_, err = s.session.Execute(context.Background(), desc)
	s.Require().NoError(err)
	s.Equal(0, s.service.count("csrf"))
}

func (s *CSRFTestSuite) TestCreateFetchesTokenOnce() {
	page, err := s.create("Ikura")
	s.Require().NoError(err)
	s.Equal(201, page.StatusCode)
	s.Equal("Ikura", page.Entities[0]["ProductName"])

	_, err = s.create("Konbu")
	s.Require().NoError(err)

	s.Equal(1, s.service.count("csrf"))
	s.Equal(2, s.service.count("POST"))
	s.service.mu.Lock()
	s.Len(s.service.created, 2)
	s.service.mu.Unlock()
}

func (s *CSRFTestSuite) TestExpiredTokenIsRefetched() {
	_, err := s.create("Ikura")
	s.Require().NoError(err)

	// The server rotates its token; the next POST fails once and is resent
	s.service.setTokens("rotated-token", "")

	_, err = s.create("Konbu")
	s.Require().NoError(err)
	s.Equal(2, s.service.count("csrf"))
	s.Equal(3, s.service.count("POST"))
}

func (s *CSRFTestSuite) TestTokenRejectedAfterRefetchIsProtocolError() {
	s.service.setTokens("expected-token", "wrong-token")

	_, err := s.create("Ikura")
	var pe *models.ProtocolError
	s.Require().True(errors.As(err, &pe), "got %v", err)
	s.Equal(403, pe.StatusCode)
	s.Equal("CSRF token validation failed", pe.Message)

	// One fetch up front, one refetch after the first 403
	s.Equal(2, s.service.count("csrf"))
	s.Equal(2, s.service.count("POST"))
}

func (s *CSRFTestSuite) TestBatchCarriesToken() {
	create, err := s.session.Query().ForEntitySet("Products").
		Create(s.session.Endpoint(), models.Entity{"ProductID": 78, "ProductName": "Tofu"})
	s.Require().NoError(err)
	read, err := s.session.Query().ForEntitySet("Products").WithKey(1).
		ToRequestDescriptor(s.session.Endpoint(), constants.GET, nil)
	s.Require().NoError(err)

	results, err := s.session.ExecuteBatch(context.Background(),
		batch.New().AddChangeset(create).Add(read))
	s.Require().NoError(err)
	s.Require().Len(results, 2)
	s.Equal(0, results[0].Changeset)
	s.Equal(201, results[0].Status)
	s.Equal(200, results[1].Status)
	s.Equal(1, s.service.count("csrf"))

	var pe *models.ProtocolError
	s.False(errors.As(results[1].Err, &pe))
}

func TestCSRFSuite(t *testing.T) {
	suite.Run(t, new(CSRFTestSuite))
}
