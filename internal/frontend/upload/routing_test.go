package upload_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/adrianosela/tecken/internal/frontend/upload"
)

func TestParseURLExceptions(t *testing.T) {
	exceptions, err := ParseURLExceptions(
		"Fred@example.com=https://s3.amazonaws.com/fred-bucket, " +
			"*@partner.example.com=https://s3.amazonaws.com/partner-bucket",
	)
	require.NoError(t, err)
	require.Equal(t, []URLException{
		{Pattern: "fred@example.com", URL: "https://s3.amazonaws.com/fred-bucket"},
		{Pattern: "*@partner.example.com", URL: "https://s3.amazonaws.com/partner-bucket"},
	}, exceptions)
}

func TestParseURLExceptionsEmpty(t *testing.T) {
	exceptions, err := ParseURLExceptions("")
	require.NoError(t, err)
	require.Empty(t, exceptions)
}

func TestParseURLExceptionsInvalid(t *testing.T) {
	_, err := ParseURLExceptions("fred@example.com")
	require.EqualError(t, err, `invalid upload url exception "fred@example.com", want email=url`)
}

func TestBucketURLForUser(t *testing.T) {
	defaultURL := "https://s3.amazonaws.com/default-bucket"
	exceptions := []URLException{
		{Pattern: "fred@example.com", URL: "https://s3.amazonaws.com/fred-bucket"},
		{Pattern: "*@partner.example.com", URL: "https://s3.amazonaws.com/partner-bucket"},
		{Pattern: "special@partner.example.com", URL: "https://s3.amazonaws.com/special-bucket"},
	}

	cases := []struct {
		Name  string
		Email string
		URL   string
	}{
		{
			Name:  "Default",
			Email: "someone@example.com",
			URL:   defaultURL,
		},
		{
			Name:  "ExactMatch",
			Email: "fred@example.com",
			URL:   "https://s3.amazonaws.com/fred-bucket",
		},
		{
			Name:  "ExactMatchIsCaseInsensitive",
			Email: "Fred@Example.COM",
			URL:   "https://s3.amazonaws.com/fred-bucket",
		},
		{
			Name:  "WildcardMatch",
			Email: "anyone@partner.example.com",
			URL:   "https://s3.amazonaws.com/partner-bucket",
		},
		{
			Name:  "ExactBeatsWildcard",
			Email: "special@partner.example.com",
			URL:   "https://s3.amazonaws.com/special-bucket",
		},
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			require.Equal(t, tc.URL, BucketURLForUser(defaultURL, exceptions, tc.Email))
		})
	}
}
