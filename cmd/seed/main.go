// seed inserts one development account per role for local testing.
// Idempotent: accounts whose email already exists are skipped.
package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"acad-system/backend/internal/config"
	"acad-system/backend/internal/db"
	"acad-system/backend/internal/logger"
	"acad-system/backend/internal/platform/role"
	"acad-system/backend/internal/security"
	"acad-system/backend/internal/user/domain"
	userrepo "acad-system/backend/internal/user/repository"
)

const devPassword = "password123"

var devAccounts = []struct {
	id    string
	email string
	role  role.Role
}{
	{"dev-superadmin-001", "superadmin@example.com", role.Superadmin},
	{"dev-admin-001", "admin@example.com", role.Admin},
	{"dev-support-001", "support@example.com", role.Support},
	{"dev-writer-001", "writer@example.com", role.Writer},
	{"dev-client-001", "client@example.com", role.Client},
}

func main() {
	log, _ := zap.NewDevelopment()
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal(log, "config", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal(log, "DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	if cfg.Env == "production" {
		logger.Fatal(log, "refusing to seed dev accounts when APP_ENV=production")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal(log, "db", zap.Error(err))
	}
	defer conn.Close()

	users := userrepo.NewPostgresRepository(conn)
	ctx := context.Background()

	hash, err := security.NewHasher(cfg.BcryptCost).Hash(devPassword)
	if err != nil {
		logger.Fatal(log, "hash password", zap.Error(err))
	}

	now := time.Now().UTC()
	created := 0
	for _, a := range devAccounts {
		existing, err := users.GetByEmail(ctx, a.email)
		if err != nil {
			logger.Fatal(log, "seed check", zap.String("email", a.email), zap.Error(err))
		}
		if existing != nil {
			continue
		}
		if err := users.Create(ctx, &domain.User{
			ID:            a.id,
			Email:         a.email,
			PasswordHash:  hash,
			Role:          a.role,
			IsActive:      true,
			EmailVerified: true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}); err != nil {
			logger.Fatal(log, "create dev user", zap.String("email", a.email), zap.Error(err))
		}
		created++
	}

	log.Info("seed completed", zap.Int("created", created))
	for _, a := range devAccounts {
		fmt.Printf("%-10s %s / %s\n", a.role, a.email, devPassword)
	}
}
