package s3remote

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/openmined/minisync/internal/remote"
)

const codePreconditionFailed = "PreconditionFailed"

// classify maps S3 API errors onto remote error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var re *remote.Error
	if errors.As(err, &re) {
		return err
	}

	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return remote.NewError(remote.KindNotFound, op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return remote.NewError(remote.KindNotFound, op, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return remote.NewError(remote.KindAuth, op, err)
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return remote.NewError(remote.KindRateLimited, op, err)
		case "InternalError", "ServiceUnavailable", "RequestTimeout":
			return remote.NewError(remote.KindServer, op, err)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		if kind := remote.KindForStatus(respErr.HTTPStatusCode()); kind != 0 {
			return &remote.Error{Kind: kind, Op: op, Status: respErr.HTTPStatusCode(), Err: err}
		}
	}

	return remote.Classify(op, err)
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == codePreconditionFailed {
		return true
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 412
}
