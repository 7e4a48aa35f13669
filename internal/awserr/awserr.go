// Package awserr classifies AWS SDK errors for the retry policy.
package awserr

import (
	"errors"
	"net"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

// Codes S3 and DynamoDB use for missing things
var notFoundCodes = map[string]bool{
	"NotFound":                  true,
	"NoSuchKey":                 true,
	"NoSuchVersion":             true,
	"NoSuchBucket":              true,
	"ResourceNotFoundException": true,
	"NotFoundException":         true,
}

var throttleCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"SlowDown":                               true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"InternalError":                          true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
	"KMS.ThrottlingException":                true,
	"KMS.KMSInternalException":               true,
}

var kmsKeyCodes = map[string]bool{
	"KMS.DisabledException":       true,
	"KMS.NotFoundException":       true,
	"KMS.KMSInvalidStateException": true,
	"KMS.InvalidKeyUsageException": true,
	"DisabledException":           true,
	"KMSInvalidStateException":    true,
	"InvalidKeyUsageException":    true,
	"KMS.AccessDeniedException":   true,
}

// Code returns the API error code, or "" for non-API errors
func Code(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

// StatusCode returns the HTTP status of a failed call, or 0
func StatusCode(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

// IsNotFound covers 404s and the service-specific missing codes
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if notFoundCodes[Code(err)] {
		return true
	}
	return StatusCode(err) == 404
}

// IsNoSuchVersion is true when a specific version id no longer exists
func IsNoSuchVersion(err error) bool {
	return Code(err) == "NoSuchVersion"
}

// IsKMSKeyError is true when the request failed because of the KMS key
func IsKMSKeyError(err error) bool {
	return kmsKeyCodes[Code(err)]
}

// IsTransient reports throttling, server-side and network failures
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if throttleCodes[Code(err)] {
		return true
	}
	if status := StatusCode(err); status == 429 || status >= 500 {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorFault() == smithy.FaultServer
	}

	// No API error and no response: the request never completed
	return StatusCode(err) == 0
}
