// 版权所有 2024 AbFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 experiment 实现 A/B 实验决策引擎：确定性的访客-变体分配、
基于事实重算的结果聚合，以及门控"获胜者"决策的自动显著性检验。

# 核心组件

  - Service: 引擎门面，组合下列全部能力，供 HTTP 层等调用方使用。
  - 分配引擎: 基于 sha256 哈希的幂等分配，同一访客对同一实验
    始终得到同一变体（Assign）。
  - 事件记录器: 追加曝光/转化事实并触发聚合全量重算
    （RecordImpression / RecordConversion）。
  - 统计引擎: 对照组卡方检验、双尾 p 值、Wilson 置信区间
    （UpdateResults / CalculateStatistics）。
  - 生命周期控制器: draft → active → {paused ⇄ active} → completed
    状态机与获胜者声明（Activate / Pause / Resume / Complete /
    DeclareWinner）。
  - 审计日志: 每次状态迁移与决策追加一条 AuditEvent。

# 并发模型

事件表是唯一事实来源，VariantResult 仅是可整体替换的派生投影。
聚合重算是幂等且可交换的，任意并发触发都不会产生部分递增竞争；
生命周期迁移通过带状态前置条件的更新（UPDATE ... WHERE status = ?）
保证竞争下的干净失败。

# 存储后端

  - GormStore: 基于 GORM 的关系型存储（PostgreSQL / MySQL / SQLite）。
  - MemoryStore: 内存实现，用于测试与无数据库的降级场景。
*/
package experiment
