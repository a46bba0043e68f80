// Package config loads the JSON configuration shared by vaultctl and
// vaultopsd. Values from the file are overlaid with the deployment
// environment variables (FORK, NETWORK, IS_TEST, VERIFY_ON_EXPLORER) and
// relative paths are resolved against the directory of the file.
package config
