package utils

// GenerateStreamID generates a unique stream ID
func GenerateStreamID() string {
	return GenerateID("stream")
}

// GenerateConnectionID generates a unique connection ID
func GenerateConnectionID() string {
	return GenerateID("conn")
}

// GenerateProposalID generates a unique consensus proposal ID
func GenerateProposalID() string {
	return GenerateID("proposal")
}
