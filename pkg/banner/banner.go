package banner

import (
	"fmt"
	"strings"

	"personadb/pkg/config"
)

const banner = `
██████╗ ███████╗██████╗ ███████╗ ██████╗ ███╗   ██╗ █████╗     ██████╗ ██████╗
██╔══██╗██╔════╝██╔══██╗██╔════╝██╔═══██╗████╗  ██║██╔══██╗    ██╔══██╗██╔══██╗
██████╔╝█████╗  ██████╔╝███████╗██║   ██║██╔██╗ ██║███████║    ██║  ██║██████╔╝
██╔═══╝ ██╔══╝  ██╔══██╗╚════██║██║   ██║██║╚██╗██║██╔══██║    ██║  ██║██╔══██╗
██║     ███████╗██║  ██║███████║╚██████╔╝██║ ╚████║██║  ██║    ██████╔╝██████╔╝
╚═╝     ╚══════╝╚═╝  ╚═╝╚══════╝ ╚═════╝ ╚═╝  ╚═══╝╚═╝  ╚═╝    ╚═════╝ ╚═════╝
`

// Print shows the startup banner with the effective runtime configuration.
func Print(cfg *config.Config, addr, dbPath, source, version string) {
	if addr == "" && cfg != nil {
		addr = cfg.Addr()
	}
	if dbPath == "" && cfg != nil {
		dbPath = cfg.Server.DBPath
	}
	if source == "" {
		source = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config: %s\n", source)

	fmt.Println("\n== Examples ===================================================")
	fmt.Println("curl -X POST 'http://<host>:<port>/v1/identities' -d '{\"alias\": \"night_owl_42\"}'")
	fmt.Println("curl 'http://<host>:<port>/v1/identities'")

	fmt.Println("\n== Production? =================================================")
	be, fe, ak := 0, 0, 0
	if cfg != nil {
		be = len(cfg.Security.APIKeys.Backend)
		fe = len(cfg.Security.APIKeys.Frontend)
		ak = len(cfg.Security.APIKeys.Admin)
	}
	if be > 0 {
		fmt.Printf("- Backend API keys: OK (%d)\n", be)
	} else {
		fmt.Println("- Backend API keys: MISSING (required for backend services)")
	}
	if fe > 0 {
		fmt.Printf("- Frontend API keys: OK (%d)\n", fe)
	} else {
		fmt.Println("- Frontend API keys: MISSING (required for client access)")
	}
	if ak > 0 {
		fmt.Printf("- Admin API keys: OK (%d)\n", ak)
	} else {
		fmt.Println("- Admin API keys: MISSING (required for admin tooling)")
	}

	if cfg != nil && cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}

	if dbPath != "" {
		fmt.Printf("- DB Path: %s\n", dbPath)
	} else {
		fmt.Println("- DB Path: not set (use --db or PERSONADB_DB_PATH)")
	}

	if cfg != nil && cfg.Security.Encryption.Use {
		hasMaster := strings.TrimSpace(cfg.Security.Encryption.MasterKeyFile) != "" ||
			strings.TrimSpace(cfg.Security.Encryption.MasterKeyHex) != ""
		if hasMaster {
			fmt.Println("- Encryption: enabled (embedded)")
		} else {
			fmt.Println("- Encryption: enabled (unconfigured)")
		}
	} else {
		fmt.Println("- Encryption: disabled")
	}

	if cfg != nil && cfg.Sweep.Enabled {
		if cfg.Sweep.Cron != "" {
			fmt.Printf("- Expiry sweep: enabled (cron=%s)\n", cfg.Sweep.Cron)
		} else if cfg.Sweep.Period.Duration() > 0 {
			fmt.Printf("- Expiry sweep: enabled (period=%s)\n", cfg.Sweep.Period.Duration())
		} else {
			fmt.Println("- Expiry sweep: enabled")
		}
	} else {
		fmt.Println("- Expiry sweep: disabled")
	}

	fmt.Println("\n== Logs: =================================================")
}
