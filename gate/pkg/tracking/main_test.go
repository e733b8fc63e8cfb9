package tracking_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	apitesting "github.com/malbeclabs/stakegate/api/testing"
)

var testPG *apitesting.DB

func TestMain(m *testing.M) {
	var err error
	testPG, err = apitesting.NewDB(context.Background(), slog.Default(), nil)
	if err != nil {
		slog.Error("failed to start postgres container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testPG.Close()
	os.Exit(code)
}
