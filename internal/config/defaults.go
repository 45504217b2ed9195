package config

const defaultTemplate = `roles:
  - ADMIN
  - PROGRAM_MANAGER
  - TEAM_LEAD
  - REVIEWER
  - HOST_FOCAL

workflows:
  - code: CAP_LIFECYCLE
    label: Corrective action plan
    entity_kind: cap
    default: true
    states:
      - {code: DRAFT, category: INITIAL, label: Draft, color: gray}
      - {code: SUBMITTED, category: INTERMEDIATE, label: Submitted, color: blue, sla_days: 7}
      - {code: ACCEPTED, category: INTERMEDIATE, label: Accepted, color: teal}
      - {code: REJECTED, category: REJECTED, label: Rejected, color: red}
      - {code: IMPLEMENTED, category: INTERMEDIATE, label: Implemented, color: indigo}
      - {code: VERIFIED, category: INTERMEDIATE, label: Verified, color: green}
      - {code: CLOSED, category: TERMINAL, label: Closed, color: black}
    transitions:
      - code: SUBMIT
        from: DRAFT
        to: SUBMITTED
        roles: [HOST_FOCAL]
        label: Submit for review
        notify:
          template: cap_submitted
          recipients: [TEAM_LEAD]
      - code: ACCEPT
        from: SUBMITTED
        to: ACCEPTED
        roles: [TEAM_LEAD]
        label: Accept
        style: primary
        notify:
          template: cap_accepted
          recipients: [HOST_FOCAL]
      - code: REJECT
        from: SUBMITTED
        to: REJECTED
        roles: [TEAM_LEAD]
        label: Reject
        style: danger
        confirm:
          message: Reject this corrective action plan?
        notify:
          template: cap_rejected
          recipients: [HOST_FOCAL]
      - code: REVISE
        from: REJECTED
        to: DRAFT
        roles: [HOST_FOCAL]
        label: Revise
      - code: IMPLEMENT
        from: ACCEPTED
        to: IMPLEMENTED
        roles: [HOST_FOCAL]
        label: Mark implemented
      - code: VERIFY
        from: IMPLEMENTED
        to: VERIFIED
        roles: [REVIEWER, TEAM_LEAD]
        label: Verify
      - code: CLOSE
        from: VERIFIED
        to: CLOSED
        roles: [PROGRAM_MANAGER, TEAM_LEAD]
        label: Close
        confirm:
          message: Closing is final.
    escalations:
      - id: cap-submitted-overdue
        state: SUBMITTED
        trigger_after_days: 7
        repeat_interval_days: 3
        max_repeats: 3
        action:
          template: cap_review_overdue
          recipients: [TEAM_LEAD, PROGRAM_MANAGER]
          context:
            severity: warning

  - code: FINDING_LIFECYCLE
    label: Finding
    entity_kind: finding
    default: true
    states:
      - {code: OPEN, category: INITIAL, label: Open}
      - {code: CAP_REQUIRED, category: INTERMEDIATE, label: CAP required}
      - {code: RESOLVED, category: TERMINAL, label: Resolved}
      - {code: WITHDRAWN, category: TERMINAL, label: Withdrawn}
    transitions:
      - {code: REQUIRE_CAP, from: OPEN, to: CAP_REQUIRED, roles: [REVIEWER, TEAM_LEAD], label: Require CAP}
      - {code: RESOLVE, from: OPEN, to: RESOLVED, roles: [TEAM_LEAD], label: Resolve}
      - {code: RESOLVE, from: CAP_REQUIRED, to: RESOLVED, roles: [TEAM_LEAD], label: Resolve}
      - {code: WITHDRAW, from: OPEN, to: WITHDRAWN, roles: [TEAM_LEAD, PROGRAM_MANAGER], label: Withdraw}

  - code: REVIEW_LIFECYCLE
    label: Peer review
    entity_kind: review
    default: true
    states:
      - {code: PLANNING, category: INITIAL, label: Planning}
      - {code: PRE_VISIT, category: INTERMEDIATE, label: Pre-visit}
      - {code: ON_SITE, category: INTERMEDIATE, label: On site}
      - {code: REPORTING, category: INTERMEDIATE, label: Reporting, sla_days: 30}
      - {code: COMPLETED, category: TERMINAL, label: Completed}
      - {code: CANCELLED, category: REJECTED, label: Cancelled}
    transitions:
      - {code: SCHEDULE, from: PLANNING, to: PRE_VISIT, roles: [PROGRAM_MANAGER], label: Schedule}
      - {code: START_VISIT, from: PRE_VISIT, to: ON_SITE, roles: [TEAM_LEAD], label: Start visit}
      - {code: END_VISIT, from: ON_SITE, to: REPORTING, roles: [TEAM_LEAD], label: End visit}
      - code: COMPLETE
        from: REPORTING
        to: COMPLETED
        roles: [PROGRAM_MANAGER]
        label: Complete review
        notify:
          template: review_completed
          recipients: [HOST_FOCAL, TEAM_LEAD]
      - {code: CANCEL, from: PLANNING, to: CANCELLED, roles: [PROGRAM_MANAGER], label: Cancel, style: danger}
      - {code: CANCEL, from: PRE_VISIT, to: CANCELLED, roles: [PROGRAM_MANAGER], label: Cancel, style: danger}
    escalations:
      - id: review-report-overdue
        state: REPORTING
        trigger_after_days: 14
        repeat_interval_days: 7
        max_repeats: 2
        action:
          template: review_report_overdue
          recipients: [TEAM_LEAD]

checklists:
  - code: REVIEW_CHECKLIST
    workflow: REVIEW_LIFECYCLE
    override_roles: [PROGRAM_MANAGER]
    phases:
      - {code: PRE_VISIT, label: Pre-visit}
      - {code: ON_SITE, label: On site}
      - {code: POST_VISIT, label: Post-visit}
    items:
      - code: SELF_ASSESSMENT_RECEIVED
        phase: PRE_VISIT
        sort_order: 1
        label: Self-assessment received
        rule: {type: document_exists, category: self_assessment}
      - code: TEAM_CONFIRMED
        phase: PRE_VISIT
        sort_order: 2
        label: Review team confirmed
        rule: {type: approval_required, approvers: [PROGRAM_MANAGER]}
      - code: LOGISTICS_CONFIRMED
        phase: PRE_VISIT
        sort_order: 3
        label: Logistics confirmed
        rule: {type: manual_or_document, allow_manual: true}
      - code: PRE_VISIT_BRIEFING
        phase: PRE_VISIT
        sort_order: 4
        label: Pre-visit briefing held
        rule: {type: manual_or_document, allow_manual: false, category: briefing}
      - code: SITE_OPENING_MEETING
        phase: ON_SITE
        sort_order: 1
        label: Opening meeting
        rule: {type: manual_or_document, allow_manual: true}
      - code: FACILITY_TOUR
        phase: ON_SITE
        sort_order: 2
        label: Facility tour
        rule: {type: manual_or_document, allow_manual: true}
      - code: DOCUMENT_REVIEW
        phase: ON_SITE
        sort_order: 3
        label: Site documents reviewed
        rule: {type: documents_reviewed, category: site_document, reviewed_status: reviewed}
      - code: INTERVIEWS_COMPLETED
        phase: ON_SITE
        sort_order: 4
        label: Interviews completed
        rule: {type: manual_or_document, allow_manual: true}
      - code: FINDINGS_DRAFTED
        phase: ON_SITE
        sort_order: 5
        label: Findings drafted
        rule: {type: computed_condition, metric: findings_count, operator: ">", value: 0}
      - code: SITE_CLOSING_MEETING
        phase: ON_SITE
        sort_order: 6
        label: Closing meeting
        rule:
          type: prerequisite_items
          required: [SITE_OPENING_MEETING, FACILITY_TOUR, DOCUMENT_REVIEW, INTERVIEWS_COMPLETED, FINDINGS_DRAFTED]
      - code: EVIDENCE_ATTACHED
        phase: POST_VISIT
        sort_order: 1
        label: Evidence attached to findings
        rule: {type: findings_have_evidence}
      - code: REPORT_DRAFTED
        phase: POST_VISIT
        sort_order: 2
        label: Report drafted
        rule: {type: document_exists, category: report, statuses: [draft, final]}
      - code: REPORT_APPROVED
        phase: POST_VISIT
        sort_order: 3
        label: Report approved
        rule: {type: approval_required, approvers: [PROGRAM_MANAGER, TEAM_LEAD]}
      - code: CHECKLIST_SIGNED_OFF
        phase: POST_VISIT
        sort_order: 4
        label: Checklist signed off
        rule:
          type: prerequisite_items
          required: [EVIDENCE_ATTACHED, REPORT_DRAFTED, REPORT_APPROVED]

escalation:
  schedule: "@every 1h"
  workers: 1
`
