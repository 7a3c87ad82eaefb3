package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/JonasMelin/tradingpalavanza/internal/broker"
)

// LoadCredentials reads brokerage credentials from the environment, loading a
// .env file first when one exists.
func LoadCredentials() (broker.Credentials, error) {
	_ = godotenv.Load() // best-effort
	creds := broker.Credentials{
		Username:   os.Getenv("AVANZA_USERNAME"),
		Password:   os.Getenv("AVANZA_PASSWORD"),
		TOTPSecret: os.Getenv("AVANZA_TOTP_SECRET"),
	}
	for name, v := range map[string]string{
		"AVANZA_USERNAME":    creds.Username,
		"AVANZA_PASSWORD":    creds.Password,
		"AVANZA_TOTP_SECRET": creds.TOTPSecret,
	} {
		if v == "" {
			return broker.Credentials{}, fmt.Errorf("%s not set", name)
		}
	}
	return creds, nil
}
