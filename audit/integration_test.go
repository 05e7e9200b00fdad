//go:build integration

package audit

import (
	"testing"

	"github.com/liamcoop/claims/internal/testpg"
)

func TestPostgresStoreIntegration(t *testing.T) {
	runStoreSuite(t, NewPostgresStore(testpg.Start(t)))
}
