package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Account state errors
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrAccountLocked      = errors.New("account is locked")
	ErrInvalidCredentials = errors.New("invalid email or password")

	// Token errors
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// Password lifecycle errors
	ErrPasswordReused         = errors.New("password was used recently")
	ErrInvalidCurrentPassword = errors.New("current password is incorrect")

	// Device and second factor errors
	ErrDeviceNotOwned      = errors.New("device is not registered to this account")
	ErrTOTPNotEnrolled     = errors.New("totp is not enrolled")
	ErrInvalidTOTPCode     = errors.New("invalid totp code")
	ErrTOTPAlreadyEnrolled = errors.New("totp is already enrolled")
)
