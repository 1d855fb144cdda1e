// Package vaultenv resolves settings structs from layered sources with a
// secret vault as the lowest-priority, lazily queried fallback.
//
// Features:
//   - Ordered sources: init values, environment, dotenv files, secret files, vault
//   - The vault provider is queried only when a required field is still missing
//   - Vault values never override values from higher-priority sources
//   - Env-style vault keys (APP_TOKEN) map onto struct fields with prefixes and aliases
//   - Nested settings types resolve independently with their own provider
//   - Decoding through mapstructure, validation through go-playground/validator
//   - Source tracking to see where values originated
//   - A provider registry used by the sync tool to write vault values into .env
//
// Quick Start:
//
//	var appVault = onepassword.New("dev", "example")
//
//	type Settings struct {
//	    Token         vaultenv.Secret `mapstructure:"token" validate:"required"`
//	    DestinationID string          `mapstructure:"destination_id" validate:"required"`
//	}
//
//	func (*Settings) EnvPrefix() string                { return "APP_" }
//	func (*Settings) VaultProvider() vaultenv.Provider { return appVault }
//
//	var s Settings
//	if err := vaultenv.Load(ctx, &s); err != nil {
//	    log.Fatal(err)
//	}
//
// Default Precedence (highest to lowest):
//  1. Init values passed with WithInit
//  2. Environment variables (APP_TOKEN)
//  3. Dotenv files (.env)
//  4. Secret files in the secrets directory
//  5. Vault provider
//
// Custom chains:
//
//	loader := vaultenv.NewBuilder().
//	    WithSources(
//	        &vaultenv.EnvSource{},
//	        &vaultenv.VaultSource{},
//	    ).
//	    Build()
//
// Watching:
//
//	w, err := vaultenv.Watch[Settings](ctx, loader, vaultenv.DefaultWatchOptions())
//	for ev := range w.Subscribe() {
//	    // ev.Paths lists the fields that changed; w.Current() holds the new value
//	}
//
// Registering settings with MustDeclare from an init function makes them
// visible to the vaultenv sync command.
package vaultenv
