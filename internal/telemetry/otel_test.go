package telemetry

import (
	"testing"

	"go.uber.org/zap"

	"github.com/vnmchuo/usage-meter/config"
)

func TestInitTracer_None(t *testing.T) {
	shutdown, err := InitTracer("usage-meter", &config.Config{OTELExporterType: "none"}, zap.NewNop())
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	shutdown()
}

func TestInitTracer_Stdout(t *testing.T) {
	shutdown, err := InitTracer("usage-meter", &config.Config{OTELExporterType: "stdout", AppEnv: "test"}, zap.NewNop())
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	defer shutdown()
}
