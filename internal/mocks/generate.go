// Package mocks provides gomock doubles for the engine's collaborators.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	verifier := mocks.NewMockCredentialVerifier(ctrl)
//	verifier.EXPECT().Verify("secret", gomock.Any()).Return(true)
package mocks

// CredentialVerifier, CredentialHasher and GeoResolver from pkg/auth.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=auth_mock.go github.com/tendant/simple-idm-sessions/pkg/auth CredentialVerifier,CredentialHasher,GeoResolver

// Store from pkg/repository, used to drive store failures.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=store_mock.go github.com/tendant/simple-idm-sessions/pkg/repository Store
