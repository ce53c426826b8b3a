package main

import (
	"fmt"
	"os"

	"github.com/solari-hq/spine/common/environment"
	"github.com/solari-hq/spine/common/version"
	"github.com/solari-hq/spine/internal/assistant/app"
	"github.com/solari-hq/spine/internal/assistant/matrix"
)

func main() {
	fmt.Printf("Spine Assistant\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	config := loadConfig()

	if config.Matrix.Homeserver == "" {
		fmt.Fprintf(os.Stderr, "Error: SPINE_MATRIX_HOMESERVER is required\n")
		os.Exit(1)
	}
	if config.Matrix.UserID == "" {
		fmt.Fprintf(os.Stderr, "Error: SPINE_MATRIX_USER_ID is required\n")
		os.Exit(1)
	}
	if config.Matrix.AccessToken == "" {
		fmt.Fprintf(os.Stderr, "Error: SPINE_MATRIX_ACCESS_TOKEN is required\n")
		os.Exit(1)
	}
	if len(config.Matrix.ServiceRooms) == 0 {
		fmt.Fprintf(os.Stderr, "Error: SPINE_MATRIX_ROOMS is required\n")
		os.Exit(1)
	}

	assistant, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize assistant: %v\n", err)
		os.Exit(1)
	}
	defer assistant.Stop()

	if err := assistant.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running assistant: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from SPINE_* environment variables.
func loadConfig() *app.Config {
	return &app.Config{
		DatabasePath:    environment.StringOr("SPINE_DATABASE_PATH", "./spine.db"),
		TenantID:        environment.StringOr("SPINE_TENANT_ID", "default"),
		CatalogPath:     environment.StringOr("SPINE_CATALOG_PATH", ""),
		AuditRoomID:     environment.StringOr("SPINE_AUDIT_ROOM", ""),
		AllowedSenders:  environment.StringSliceOr("SPINE_ALLOWED_SENDERS", nil),
		IntentThreshold: environment.FloatOr("SPINE_INTENT_THRESHOLD", 0),
		Matrix: matrix.Config{
			Homeserver:   environment.StringOr("SPINE_MATRIX_HOMESERVER", ""),
			UserID:       environment.StringOr("SPINE_MATRIX_USER_ID", ""),
			AccessToken:  environment.StringOr("SPINE_MATRIX_ACCESS_TOKEN", ""),
			ServiceRooms: environment.StringSliceOr("SPINE_MATRIX_ROOMS", nil),
		},
	}
}
