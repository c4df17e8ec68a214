package app

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type dsnSummary struct {
	DatabaseType    string
	DatabaseHost    string
	DatabasePort    int
	DatabaseUser    string
	DatabaseName    string
	DatabaseSSLMode string
	DatabasePath    string
	PasswordSet     bool
}

func summarizeDSN(dsn string) (dsnSummary, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return dsnSummary{}, fmt.Errorf("empty dsn")
	}

	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, "file:") {
		pathPart := trimmed[len("file:"):]
		pathPart, _, _ = strings.Cut(pathPart, "?")
		return dsnSummary{DatabaseType: "sqlite", DatabasePath: strings.TrimSpace(pathPart)}, nil
	}

	u, errParse := url.Parse(trimmed)
	if errParse != nil {
		return dsnSummary{}, fmt.Errorf("parse dsn: %w", errParse)
	}

	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "postgres", "postgresql":
		port := 5432
		if rawPort := strings.TrimSpace(u.Port()); rawPort != "" {
			parsedPort, errPort := strconv.Atoi(rawPort)
			if errPort != nil {
				return dsnSummary{}, fmt.Errorf("parse port: %w", errPort)
			}
			port = parsedPort
		}

		username := ""
		passwordSet := false
		if u.User != nil {
			username = strings.TrimSpace(u.User.Username())
			_, passwordSet = u.User.Password()
		}

		sslMode := strings.TrimSpace(u.Query().Get("sslmode"))
		if sslMode == "" {
			sslMode = "disable"
		}

		return dsnSummary{
			DatabaseType:    "postgres",
			DatabaseHost:    strings.TrimSpace(u.Hostname()),
			DatabasePort:    port,
			DatabaseUser:    username,
			DatabaseName:    strings.TrimSpace(strings.TrimPrefix(u.Path, "/")),
			DatabaseSSLMode: sslMode,
			PasswordSet:     passwordSet,
		}, nil
	default:
		return dsnSummary{}, fmt.Errorf("unsupported dsn scheme")
	}
}

// DescribeDSN renders dsn for logs without its password.
func DescribeDSN(dsn string) string {
	summary, err := summarizeDSN(dsn)
	if err != nil {
		return "unrecognized dsn"
	}
	if summary.DatabaseType == "sqlite" {
		return "sqlite " + summary.DatabasePath
	}
	user := summary.DatabaseUser
	if summary.PasswordSet {
		user += ":***"
	}
	return fmt.Sprintf("postgres %s@%s:%d/%s sslmode=%s",
		user, summary.DatabaseHost, summary.DatabasePort, summary.DatabaseName, summary.DatabaseSSLMode)
}
