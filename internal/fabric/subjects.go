package fabric

// Subject vocabulary of the aexowork marketplace. Extensible; the fabric
// itself only interprets the agent.* subjects (relay registration), the
// rest are application routing names.
const (
	SubjectJobs                 = "aexowork.jobs"
	SubjectOffers               = "aexowork.offers"
	SubjectOffersAccepted       = "aexowork.offers.accepted"
	SubjectDeliveries           = "aexowork.deliveries"
	SubjectVerificationRequests = "aexowork.verification.requests"
	SubjectVerifications        = "aexowork.verifications"
	SubjectEscrowCreated        = "aexowork.escrow.created"
	SubjectEscrowReleased       = "aexowork.escrow.released"
	SubjectEscrowAutoReleased   = "aexowork.escrow.auto_released"
	SubjectReputationUpdates    = "aexowork.reputation.updates"
	SubjectDisputes             = "aexowork.disputes"
	SubjectEvidence             = "aexowork.evidence"
	SubjectAgentRegistered      = "aexowork.agent.registered"
	SubjectAgentDeployed        = "aexowork.agent.deployed"
	SubjectAgentDiscovery       = "aexowork.agent.discovery"
)
