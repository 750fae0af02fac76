// Package config loads licensehub configuration.
//
// # Configuration Sources
//
// Sources are applied in this order, later ones winning:
//
//	1. Default() values
//	2. A YAML file (LICENSEHUB_CONFIG_FILE, licensehub.yaml or
//	   configs/licensehub.yaml)
//	3. Environment variables
//
// # Environment Variables
//
// Variables follow LICENSEHUB_<SECTION>_<FIELD>:
//
//	LICENSEHUB_SERVER_PORT=8080
//	LICENSEHUB_TOKEN_SECRET=<at least 32 bytes>
//	LICENSEHUB_STORAGE_DRIVER=sqlite
//	LICENSEHUB_STORAGE_DSN=/var/lib/licensehub/licenses.db
//	LICENSEHUB_REDIS_ENABLED=true
//	LICENSEHUB_FRAUD_BLOCK_SCORE=70
//
// # Validation
//
// Load rejects configurations without a token secret, with inverted fraud
// score cut-offs or an unknown storage driver. All problems are reported
// together.
package config
