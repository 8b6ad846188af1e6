package contract

// StakeVaultABI is the ABI of the StakeVault contract events consumed by the stake listener.
//
//	event Staked(address indexed developer, uint256 amount);
//	event Unstaked(address indexed developer, uint256 amount);
const StakeVaultABI = `[
	{
		"type": "event",
		"name": "Staked",
		"inputs": [
			{"name": "developer", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "Unstaked",
		"inputs": [
			{"name": "developer", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false}
		]
	}
]`
