package contracts

// ReliefFundABI covers the two methods the service calls on the relief fund contract.
const ReliefFundABI = `[
  {
    "type": "function",
    "name": "donate",
    "stateMutability": "payable",
    "inputs": [],
    "outputs": []
  },
  {
    "type": "function",
    "name": "distributeFunds",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "recipient", "type": "address"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "DonationReceived",
    "anonymous": false,
    "inputs": [
      {"name": "donor", "type": "address", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "FundsDistributed",
    "anonymous": false,
    "inputs": [
      {"name": "recipient", "type": "address", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false}
    ]
  }
]`

const (
	MethodDonate     = "donate"
	MethodDistribute = "distributeFunds"
)
