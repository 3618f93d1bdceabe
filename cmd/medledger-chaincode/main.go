package main

import (
	"os"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/chaincode"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "chaincode").Logger()

	cc, err := contractapi.NewChaincode(chaincode.NewLedgerContract(logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create chaincode")
	}
	if err := cc.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start chaincode")
	}
}
