package chain

// Minimal ABI fragments for the contracts the validator talks to.

const registryABI = `[
	{"type":"function","name":"maxSubAccountsPerParticipant","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"subAccountCount","stateMutability":"view","inputs":[{"name":"participantKey","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"subAccountAt","stateMutability":"view","inputs":[{"name":"participantKey","type":"bytes32"},{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"stakeOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getProtocolStats","stateMutability":"view","inputs":[],"outputs":[{"name":"totalCollateralAmount","type":"uint256"},{"name":"totalBorrowedAmount","type":"uint256"},{"name":"totalVolumeAmount","type":"uint256"},{"name":"totalTradesCount","type":"uint256"},{"name":"protocolFeesAmount","type":"uint256"},{"name":"totalLpStakesAmount","type":"uint256"}]},
	{"type":"function","name":"submitWeights","stateMutability":"nonpayable","inputs":[{"name":"uids","type":"uint16[]"},{"name":"weights","type":"uint16[]"},{"name":"versionTag","type":"uint64"}],"outputs":[]}
]`

const metagraphABI = `[
	{"type":"function","name":"getUidCount","stateMutability":"view","inputs":[{"name":"netuid","type":"uint16"}],"outputs":[{"name":"","type":"uint16"}]},
	{"type":"function","name":"getHotkey","stateMutability":"view","inputs":[{"name":"netuid","type":"uint16"},{"name":"uid","type":"uint16"}],"outputs":[{"name":"","type":"bytes32"}]}
]`

const subnetABI = `[
	{"type":"function","name":"getWeightsVersionKey","stateMutability":"view","inputs":[{"name":"netuid","type":"uint16"}],"outputs":[{"name":"","type":"uint64"}]}
]`
