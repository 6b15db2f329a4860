// Command seed bootstraps a fresh Overseer database with an org and an
// agent API key, and optionally mints an operator access token. Intended
// for development and first-run setup; the raw API key is printed exactly
// once and only its hash is stored.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/overseer-dev/overseer/internal/auth"
	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/repositories"
)

func main() {
	var (
		orgName    = flag.String("org", "", "Name of the org to create (required)")
		keyName    = flag.String("key-name", "default", "Name of the agent API key to create")
		tokenUser  = flag.String("token-user", "", "Also mint an access token for this user ID (requires --jwt-private-key)")
		tokenRole  = flag.String("token-role", "admin", "Role claim for the minted access token")
		privateKey = flag.String("jwt-private-key", envOrDefault("OVERSEER_JWT_PRIVATE_KEY", ""), "Path to the server's RSA private key")
		publicKey  = flag.String("jwt-public-key", envOrDefault("OVERSEER_JWT_PUBLIC_KEY", ""), "Path to the server's RSA public key")
		issuer     = flag.String("jwt-issuer", envOrDefault("OVERSEER_JWT_ISSUER", "overseer"), "JWT issuer claim")
		dbDriver   = flag.String("db-driver", envOrDefault("OVERSEER_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
		dbDSN      = flag.String("db-dsn", envOrDefault("OVERSEER_DB_DSN", "./overseer.db"), "Database DSN or file path for SQLite")
	)
	flag.Parse()

	if *orgName == "" {
		fmt.Fprintln(os.Stderr, "Error: --org is required")
		flag.Usage()
		os.Exit(1)
	}
	if *tokenUser != "" && *privateKey == "" {
		fmt.Fprintln(os.Stderr, "Error: --token-user requires --jwt-private-key")
		os.Exit(1)
	}

	if err := run(*orgName, *keyName, *tokenUser, *tokenRole, *privateKey, *publicKey, *issuer, *dbDriver, *dbDSN); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(orgName, keyName, tokenUser, tokenRole, privateKey, publicKey, issuer, dbDriver, dbDSN string) error {
	logger := zap.NewNop()

	database, err := db.New(db.Config{
		Driver:   dbDriver,
		DSN:      dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	ctx := context.Background()

	org := &db.Org{Name: orgName}
	if err := repositories.NewOrgRepository(database).Create(ctx, org); err != nil {
		return fmt.Errorf("failed to create org: %w", err)
	}

	fmt.Println("✓ Org created")
	fmt.Printf("  ID:   %s\n", org.ID)
	fmt.Printf("  Name: %s\n", org.Name)

	raw, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("failed to generate API key: %w", err)
	}
	key := &db.APIKey{
		OrgID:     org.ID,
		Name:      keyName,
		KeyHash:   hash,
		CreatedBy: "seed",
	}
	if err := repositories.NewAPIKeyRepository(database).Create(ctx, key); err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}

	fmt.Println("✓ API key created")
	fmt.Printf("  Name: %s\n", key.Name)
	fmt.Printf("  Key:  %s\n", raw)
	fmt.Println("  Store the key now; only its hash is kept.")

	if tokenUser != "" {
		jwtMgr, err := auth.NewJWTManagerFromFiles(privateKey, publicKey, issuer)
		if err != nil {
			return fmt.Errorf("failed to load JWT keys: %w", err)
		}
		token, err := jwtMgr.GenerateAccessToken(tokenUser, org.ID.String(), tokenRole)
		if err != nil {
			return fmt.Errorf("failed to mint access token: %w", err)
		}
		fmt.Println("✓ Access token minted")
		fmt.Printf("  User:  %s\n", tokenUser)
		fmt.Printf("  Role:  %s\n", tokenRole)
		fmt.Printf("  Token: %s\n", token)
	}

	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
